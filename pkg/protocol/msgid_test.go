package protocol_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuschat/nexus/pkg/protocol"
)

func TestNewMessageIDFormat(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := protocol.NewMessageID()
		require.Len(t, id, protocol.MessageIDLength)
		require.NoError(t, protocol.ValidateMessageID(id))
	}
}

func TestValidateMessageID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"valid all digits", "012345678901", true},
		{"valid all hex letters", "abcdefabcdef", true},
		{"valid mixed", "0a1b2c3d4e5f", true},
		{"empty", "", false},
		{"too short", "abc", false},
		{"too long", "abcdefabcdef0", false},
		{"uppercase", "ABCDEFABCDEF", false},
		{"non hex letter", "abcdefabcdeg", false},
		{"whitespace", "abcdef abcde", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := protocol.ValidateMessageID(tt.id)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, protocol.ErrBadMessageID)
			}
		})
	}
}

func TestNewMessageIDConcurrentUniqueness(t *testing.T) {
	const goroutines = 8
	const perGoroutine = 1000

	var mu sync.Mutex
	seen := make(map[string]bool, goroutines*perGoroutine)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				local = append(local, protocol.NewMessageID())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				seen[id] = true
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine, "collision among generated ids")
}
