package console

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 §4.1; not used for security
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// maxFrameSize is the maximum WebSocket payload length (in bytes) the
// server accepts from clients. State-mirror clients never send anything
// but the initial upgrade; this only guards against a misbehaving peer.
const maxFrameSize = 64 * 1024

// wsGUID is the fixed GUID defined in RFC 6455 §4.1 for computing the
// Sec-WebSocket-Accept header value.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Handler upgrades HTTP connections to WebSocket and mirrors every boot
// state transition to the connected browser tab.
type Handler struct {
	bc     *Broadcaster
	logger *slog.Logger

	writeTimeout time.Duration
}

// NewHandler creates a Handler backed by bc.
//
// writeTimeout <= 0 defaults to 10 seconds.
func NewHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{bc: bc, logger: logger, writeTimeout: writeTimeout}
}

// ServeHTTP upgrades r to a WebSocket connection, registers it with the
// broadcaster, and blocks until the client disconnects or the broadcaster
// shuts down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrade(w, r)
	if err != nil {
		return
	}
	clientID := uuid.NewString()
	client := h.bc.Register(clientID)
	defer h.bc.Unregister(clientID)

	h.logger.Info("console: client connected",
		slog.String("client_id", clientID),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)

	h.greet(conn, clientID)
	h.pump(conn, client, clientID)
}

// upgrade validates the WebSocket handshake headers, hijacks the
// connection, and writes the 101 response. The returned net.Conn is ready
// for framed reads/writes; ServeHTTP owns its lifetime from here on.
func (h *Handler) upgrade(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	if !isWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return nil, fmt.Errorf("console: not a websocket upgrade request")
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return nil, fmt.Errorf("console: missing Sec-WebSocket-Key")
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return nil, fmt.Errorf("console: ResponseWriter does not support hijacking")
	}

	conn, bufrw, err := hj.Hijack()
	if err != nil {
		h.logger.Error("console: hijack failed", slog.Any("error", err))
		return nil, err
	}

	accept := computeAcceptKey(key)
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
	if _, err := bufrw.WriteString(resp); err != nil {
		h.logger.Error("console: handshake write failed", slog.Any("error", err))
		conn.Close()
		return nil, err
	}
	if err := bufrw.Flush(); err != nil {
		h.logger.Error("console: handshake flush failed", slog.Any("error", err))
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// greetMessage is the first frame every client receives, confirming the
// connection and handing back the client ID the broadcaster's drop
// warnings log against — useful for an operator correlating a stuck
// browser tab with server-side logs.
type greetMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

// greet writes an immediate acknowledgment frame so the browser has
// something to render before the next real state transition occurs, which
// may be arbitrarily far in the future if the board is idle in Tty.
func (h *Handler) greet(conn net.Conn, clientID string) {
	raw, err := json.Marshal(greetMessage{Type: "connected", ClientID: clientID})
	if err != nil {
		return
	}
	if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
		return
	}
	if err := writeTextFrame(conn, raw); err != nil {
		h.logger.Warn("console: greet frame failed", slog.String("client_id", clientID), slog.Any("error", err))
	}
}

// pump runs the connection's full duplex lifecycle: a reader goroutine
// discards client frames and detects disconnection, while this goroutine
// drains client.Send() into WebSocket text frames until either side closes.
func (h *Handler) pump(conn net.Conn, client *Client, clientID string) {
	var closed atomic.Bool
	closeOnce := func() {
		if closed.CompareAndSwap(false, true) {
			conn.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("console: discardClientFrames panic recovered",
					slog.Any("recover", r), slog.String("client_id", clientID))
			}
		}()
		discardClientFrames(conn, h.logger, clientID)
		closeOnce()
	}()

	for {
		select {
		case <-done:
			return

		case msg, ok := <-client.Send():
			if !ok {
				closeOnce()
				return
			}

			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				h.logger.Warn("console: set write deadline failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				closeOnce()
				return
			}

			if err := writeTextFrame(conn, msg); err != nil {
				h.logger.Warn("console: write frame failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				closeOnce()
				return
			}
		}
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func computeAcceptKey(key string) string {
	//nolint:gosec // SHA-1 is mandated by RFC 6455; not used for security
	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// writeTextFrame encodes payload as a single, unfragmented WebSocket text
// frame (FIN=1, opcode=0x1). Server-to-client frames must not be masked
// (RFC 6455 §5.1).
func writeTextFrame(conn net.Conn, payload []byte) error {
	header := frameHeader(len(payload))
	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

func frameHeader(n int) []byte {
	switch {
	case n < 126:
		return []byte{0x81, byte(n)}
	case n < 65536:
		header := []byte{0x81, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
		return header
	default:
		header := make([]byte, 10)
		header[0] = 0x81
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
		return header
	}
}

// discardClientFrames reads and discards incoming WebSocket frames from
// conn until the connection is closed or a close frame is received. State
// mirror clients never send anything meaningful; this loop exists purely
// to detect client disconnection promptly.
func discardClientFrames(conn net.Conn, logger *slog.Logger, clientID string) {
	buf := bufio.NewReader(conn)
	for {
		b0, err := buf.ReadByte()
		if err != nil {
			return
		}
		b1, err := buf.ReadByte()
		if err != nil {
			return
		}

		opcode := b0 & 0x0F
		length, ok := frameLength(buf, b1)
		if !ok {
			return
		}

		if masked := (b1 & 0x80) != 0; masked {
			var maskKey [4]byte
			if _, err := buf.Read(maskKey[:]); err != nil {
				return
			}
		}

		if length > 0 {
			if _, err := io.CopyN(io.Discard, buf, length); err != nil {
				return
			}
		}

		if opcode == 0x08 {
			logger.Debug("console: received close frame", slog.String("client_id", clientID))
			return
		}
	}
}

// frameLength resolves a frame's payload length, reading the 2- or 8-byte
// extended length field from buf when the inline 7-bit length signals one
// is present. ok is false when the extended length could not be read or
// exceeds maxFrameSize.
func frameLength(buf *bufio.Reader, b1 byte) (length int64, ok bool) {
	length = int64(b1 & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := buf.Read(ext[:]); err != nil {
			return 0, false
		}
		return int64(binary.BigEndian.Uint16(ext[:])), true
	case 127:
		var ext [8]byte
		if _, err := buf.Read(ext[:]); err != nil {
			return 0, false
		}
		rawLen := binary.BigEndian.Uint64(ext[:])
		if rawLen > maxFrameSize {
			return 0, false
		}
		return int64(rawLen), true
	default:
		return length, true
	}
}
