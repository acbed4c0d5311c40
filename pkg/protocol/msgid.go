package protocol

import (
	"crypto/rand"
	"encoding/hex"
)

// MessageIDLength is the fixed width of a message id on the wire.
const MessageIDLength = 12

// NewMessageID generates a fresh correlation token: 12 lowercase hex
// characters drawn from crypto/rand, unique with overwhelming probability for
// the process lifetime. Safe to call from any goroutine without coordination.
// A response frame carries the same id as its request; beyond that the bytes
// carry no meaning.
func NewMessageID() string {
	b := make([]byte, MessageIDLength/2)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// ValidateMessageID checks that id is exactly MessageIDLength lowercase hex
// characters.
func ValidateMessageID(id string) error {
	if len(id) != MessageIDLength {
		return frameErr(ErrBadMessageID, "length %d", len(id))
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return frameErr(ErrBadMessageID, "byte 0x%02x at %d", c, i)
		}
	}
	return nil
}
