// Package client implements the Nexus client networking.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nexuschat/nexus/pkg/protocol"
)

// ErrClosed is returned by Request once the connection is gone.
var ErrClosed = fmt.Errorf("client: connection closed")

const requestTimeout = 30 * time.Second

// Options configures a connection.
type Options struct {
	Addr               string
	InsecureSkipVerify bool // accept self-signed certs (TOFU model)
	Features           []string
	Locale             string
}

// Client manages the TLS connection to a Nexus server. Replies are matched
// to their requests by message id; unsolicited frames are delivered on the
// Events channel.
type Client struct {
	conn net.Conn
	dec  *protocol.Decoder

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *protocol.Frame

	events chan *protocol.Frame
	done   chan struct{}
	once   sync.Once

	opts Options
}

// Dial connects to the server's control plane via TLS. The read loop does
// not start until Handshake succeeds.
func Dial(opts Options) (*Client, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // operator opt-in for self-signed deployments
		MinVersion:         tls.VersionTLS13,
	}

	dialer := &tls.Dialer{Config: tlsCfg}
	conn, err := dialer.DialContext(context.Background(), "tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}

	return &Client{
		conn:    conn,
		dec:     protocol.NewDecoder(conn, protocol.DefaultTypes()),
		pending: make(map[string]chan *protocol.Frame),
		events:  make(chan *protocol.Frame, 64),
		done:    make(chan struct{}),
		opts:    opts,
	}, nil
}

// Handshake performs the version exchange. It must be the first frame on the
// wire; the server terminates connections that send anything else.
func (c *Client) Handshake() error {
	f, err := protocol.NewFrame(protocol.TypeHandshake, &protocol.HandshakeRequest{
		Version: protocol.Version,
	})
	if err != nil {
		return err
	}
	if err := c.write(f); err != nil {
		return fmt.Errorf("client: send handshake: %w", err)
	}

	reply, err := c.readFrame()
	if err != nil {
		return fmt.Errorf("client: read handshake reply: %w", err)
	}
	if reply.Type == protocol.TypeError {
		return fmt.Errorf("handshake rejected: %s", gjson.GetBytes(reply.Payload, "message").String())
	}
	var hr protocol.HandshakeReply
	if err := reply.DecodePayload(&hr); err != nil {
		return fmt.Errorf("client: decode handshake reply: %w", err)
	}
	if !hr.Success {
		return fmt.Errorf("handshake rejected: %s", hr.Message)
	}
	return nil
}

// Login authenticates and starts the background read loop on success.
func (c *Client) Login(username, password string) (*protocol.LoginReply, error) {
	f, err := protocol.NewFrame(protocol.TypeLogin, &protocol.LoginRequest{
		Username: username,
		Password: password,
		Features: c.opts.Features,
		Locale:   c.opts.Locale,
	})
	if err != nil {
		return nil, err
	}
	if err := c.write(f); err != nil {
		return nil, fmt.Errorf("client: send login: %w", err)
	}

	reply, err := c.readFrame()
	if err != nil {
		return nil, fmt.Errorf("client: read login reply: %w", err)
	}
	if reply.Type == protocol.TypeError {
		return nil, fmt.Errorf("login failed: %s", gjson.GetBytes(reply.Payload, "message").String())
	}
	var lr protocol.LoginReply
	if err := reply.DecodePayload(&lr); err != nil {
		return nil, fmt.Errorf("client: decode login reply: %w", err)
	}
	if !lr.Success {
		return nil, fmt.Errorf("login failed: %s", lr.Message)
	}

	go c.readLoop()
	return &lr, nil
}

// Request sends a frame and blocks for the reply carrying the same message
// id.
func (c *Client) Request(msgType string, payload any) (*protocol.Frame, error) {
	f, err := protocol.NewFrame(msgType, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Frame, 1)
	c.mu.Lock()
	c.pending[f.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return nil, fmt.Errorf("client: send %s: %w", msgType, err)
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-c.done:
		return nil, ErrClosed
	case <-time.After(requestTimeout):
		return nil, fmt.Errorf("client: %s: reply timeout", msgType)
	}
}

// RequestAck is Request for commands whose reply is a plain Ack. A reply
// with Success false becomes an error.
func (c *Client) RequestAck(msgType string, payload any) error {
	reply, err := c.Request(msgType, payload)
	if err != nil {
		return err
	}
	result := gjson.GetBytes(reply.Payload, "success")
	if !result.Bool() {
		msg := gjson.GetBytes(reply.Payload, "message").String()
		if msg == "" {
			msg = "request refused"
		}
		return fmt.Errorf("%s: %s", msgType, msg)
	}
	return nil
}

// Events returns the stream of unsolicited frames: chat, broadcasts, topic
// changes, user connect/disconnect notices, kicks. The channel closes when
// the connection is lost.
func (c *Client) Events() <-chan *protocol.Frame {
	return c.events
}

// Done returns a channel that's closed when the connection is lost.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) write(f *protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, f)
}

// readFrame reads one frame synchronously, used only before the read loop
// starts.
func (c *Client) readFrame() (*protocol.Frame, error) {
	return c.dec.ReadFrame()
}

// readLoop routes reply frames to their waiting request and everything else
// to the Events channel.
func (c *Client) readLoop() {
	defer c.once.Do(func() {
		close(c.done)
		close(c.events)
	})

	for {
		f, err := c.dec.ReadFrame()
		if err != nil {
			if err == io.EOF || isClosedErr(err) {
				slog.Debug("connection closed")
				return
			}
			slog.Error("read error", "err", err)
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		c.mu.Unlock()
		if ok {
			ch <- f
			continue
		}

		select {
		case c.events <- f:
		default:
			// Slow consumer; drop rather than stall the read loop.
			slog.Warn("event dropped", "type", f.Type)
		}
	}
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return s == "use of closed network connection" ||
		s == "tls: use of closed connection" ||
		s == "EOF"
}
