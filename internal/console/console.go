// Package console provides an in-process WebSocket mirror of the boot
// state machine, so an operator's browser can watch a transfer progress
// live instead of tailing the serial console.
//
// Design notes
//
//   - Each WebSocket client has a dedicated buffered channel of
//     JSON-encoded state-transition messages. A non-blocking send is used
//     so a slow or disconnected browser tab never applies back-pressure to
//     the state machine's StateChanged call.
//   - Clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot broadcast path.
//   - Unregistering a client signals its associated write-pump goroutine
//     to exit cleanly.
package console

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eryjus/pi-bootloader/internal/bootserver"
)

// StateMessage is the JSON envelope pushed to browser clients whenever the
// boot state machine transitions. Type is always "state".
type StateMessage struct {
	Type  string `json:"type"`
	State string `json:"state"`
	At    string `json:"at"`
}

// Client represents a single connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is
// called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded state frames
// are delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans state transitions out to every connected WebSocket
// client. It implements bootserver.ConsoleSink, so a Server can be wired
// to it directly via bootserver.WithConsoleSink. It is safe for
// concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster.
//
// bufSize is the per-client channel buffer depth. Pass 0 to use the
// default of 64, which comfortably absorbs a full transfer's worth of
// state transitions (there are at most a dozen) even if a client's pump
// goroutine is briefly scheduled out.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register creates a new Client with the given id and returns it. The
// caller must call Unregister(id) when the client disconnects.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id and closes its Send channel.
// Calling Unregister with an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		close(v.(*Client).send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered clients.
func (b *Broadcaster) ClientCount() int { return int(b.clientCnt.Load()) }

// StateChanged implements bootserver.ConsoleSink. It marshals the new
// state and delivers it to every registered client using a non-blocking
// send; a client whose buffer is full has the frame dropped and its
// Dropped counter incremented rather than stalling the boot state
// machine.
func (b *Broadcaster) StateChanged(state bootserver.State) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(StateMessage{
		Type:  "state",
		State: state.String(),
		At:    time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		b.logger.Error("console broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("console broadcaster: client buffer full, dropping frame",
				slog.String("client_id", c.id))
		}
		return true
	})
}

// Close unregisters and closes every client channel. After Close returns,
// StateChanged is a no-op.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			close(value.(*Client).send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
