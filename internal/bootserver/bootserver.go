// Package bootserver drives the server-side state machine: TTY passthrough,
// wake-word detection, manifest validation, and the sized handshake that
// ships a kernel and its modules to the agent.
package bootserver

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/eryjus/pi-bootloader/internal/elfimage"
	"github.com/eryjus/pi-bootloader/internal/link"
	"github.com/eryjus/pi-bootloader/internal/manifest"
	"github.com/eryjus/pi-bootloader/internal/mbi"
	"github.com/eryjus/pi-bootloader/internal/wire"
)

// State is one step of the server's lifecycle. Every non-terminal state
// either advances to the next canonical state on success or falls back to
// Reinit on any error.
type State int

const (
	StateOpenDevice State = iota
	StateReinit
	StateTty
	StateReadConfig
	StateCheckConfig
	StateSendSize
	StateSendKernel
	StateSendModules
	StateSendMbiSize
	StateSendMbi
	StateSendEntry
	StateExit
)

func (s State) String() string {
	switch s {
	case StateOpenDevice:
		return "OpenDevice"
	case StateReinit:
		return "Reinit"
	case StateTty:
		return "Tty"
	case StateReadConfig:
		return "ReadConfig"
	case StateCheckConfig:
		return "CheckConfig"
	case StateSendSize:
		return "SendSize"
	case StateSendKernel:
		return "SendKernel"
	case StateSendModules:
		return "SendModules"
	case StateSendMbiSize:
		return "SendMbiSize"
	case StateSendMbi:
		return "SendMbi"
	case StateSendEntry:
		return "SendEntry"
	case StateExit:
		return "Exit"
	default:
		return "Unknown"
	}
}

// TransferOutcome summarizes one attempted (successful or abandoned)
// transfer for callers that persist transfer history.
type TransferOutcome struct {
	StartedAt     time.Time
	FinishedAt    time.Time
	KernelPath    string
	ImageSize     uint32
	ModuleCount   int
	Success       bool
	FailureReason string
}

// AuditSink receives a JSON-encodable payload when a transfer attempt starts,
// fails, or succeeds; other state transitions are not recorded.
type AuditSink interface {
	Append(payload json.RawMessage) error
}

// HistorySink persists completed or abandoned transfer attempts.
type HistorySink interface {
	RecordTransfer(ctx context.Context, outcome TransferOutcome) error
}

// ConsoleSink is notified on every state transition, for UIs that mirror the
// server's console.
type ConsoleSink interface {
	StateChanged(s State)
}

// Server runs the boot server state machine against a single serial device
// and manifest file, looping indefinitely until ctx is cancelled.
type Server struct {
	device       string
	manifestPath string
	logger       *slog.Logger
	openDevice   func(string) (link.Link, error)
	retryDelay   time.Duration

	stdin  io.Reader
	stdout io.Writer

	audit   AuditSink
	history HistorySink
	console ConsoleSink

	lnk     link.Link
	entries []*manifest.Entry
	elf     *elfimage.Summary
	modules []mbi.Module
	info    *mbi.Info
	total   uint32

	outcome TransferOutcome

	current  atomic.Int32
	reinitCh chan struct{}
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithStdio overrides the console passthrough streams; tests use this to
// supply buffers instead of the real terminal.
func WithStdio(in io.Reader, out io.Writer) Option {
	return func(s *Server) { s.stdin, s.stdout = in, out }
}

// WithDeviceOpener overrides how the serial device is opened; tests use this
// to hand back an in-memory link.Pipe end instead of a real character
// device.
func WithDeviceOpener(open func(string) (link.Link, error)) Option {
	return func(s *Server) { s.openDevice = open }
}

// WithRetryDelay overrides the sleep between failed device-open attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Server) { s.retryDelay = d }
}

// WithAuditSink registers a sink that records the start and the outcome of
// every transfer attempt as a tamper-evident audit entry.
func WithAuditSink(a AuditSink) Option {
	return func(s *Server) { s.audit = a }
}

// WithHistorySink registers a sink that persists transfer attempts.
func WithHistorySink(h HistorySink) Option {
	return func(s *Server) { s.history = h }
}

// WithConsoleSink registers a sink notified on every state transition.
func WithConsoleSink(c ConsoleSink) Option {
	return func(s *Server) { s.console = c }
}

// New builds a Server for the given device and manifest path.
func New(device, manifestPath string, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		device:       device,
		manifestPath: manifestPath,
		logger:       logger,
		openDevice:   link.Open,
		retryDelay:   link.OpenRetryDelay,
		stdin:        os.Stdin,
		stdout:       os.Stdout,
		reinitCh:     make(chan struct{}, 1),
	}
	s.current.Store(int32(StateOpenDevice))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CurrentState reports the state the machine is in (or about to enter) at
// the moment of the call. statusapi polls this for the status endpoint.
func (s *Server) CurrentState() State {
	return State(s.current.Load())
}

// RequestReinit asks the running state machine to abandon whatever it is
// doing and fall back to Reinit at the next opportunity. It never blocks:
// a request already pending is left alone rather than queued twice.
func (s *Server) RequestReinit() {
	select {
	case s.reinitCh <- struct{}{}:
	default:
	}
}

// Run drives the state machine until ctx is cancelled. It returns ctx.Err()
// on cancellation and a non-nil error when the device fails to open with an
// error link.IsRetryable rejects; every other failure routes to Reinit
// internally.
func (s *Server) Run(ctx context.Context) error {
	state := StateOpenDevice
	for {
		select {
		case <-ctx.Done():
			s.cleanup()
			return ctx.Err()
		default:
		}

		select {
		case <-s.reinitCh:
			if state != StateOpenDevice && state != StateReinit {
				s.logger.Info("reinit requested", slog.String("from", state.String()))
				state = StateReinit
			}
		default:
		}

		next, err := s.step(ctx, state)
		if err != nil {
			s.logger.Error("state transition failed",
				slog.String("from", state.String()),
				slog.String("error", err.Error()),
			)
		}
		s.current.Store(int32(next))
		s.notifyConsole(next)

		if next == StateExit {
			s.cleanup()
			return err
		}
		state = next
	}
}

func (s *Server) notifyConsole(st State) {
	if s.console != nil {
		s.console.StateChanged(st)
	}
}

func (s *Server) step(ctx context.Context, state State) (State, error) {
	switch state {
	case StateOpenDevice:
		return s.openDeviceState(ctx)
	case StateReinit:
		return s.reinitState(ctx)
	case StateTty:
		return s.tty(ctx)
	case StateReadConfig:
		return s.readConfig(ctx)
	case StateCheckConfig:
		return s.checkConfig(ctx)
	case StateSendSize:
		return s.sendSize(ctx)
	case StateSendKernel:
		return s.sendKernel(ctx)
	case StateSendModules:
		return s.sendModules(ctx)
	case StateSendMbiSize:
		return s.sendMbiSize(ctx)
	case StateSendMbi:
		return s.sendMbi(ctx)
	case StateSendEntry:
		return s.sendEntry(ctx)
	default:
		return StateExit, fmt.Errorf("bootserver: unknown state %v", state)
	}
}

// openDeviceState opens the serial device, retrying NotFound and
// PermissionDenied errors with a fixed delay — the device may appear only
// after a hot-plug event or a udev rule races to fix its permissions.
func (s *Server) openDeviceState(ctx context.Context) (State, error) {
	for {
		lnk, err := s.openDevice(s.device)
		if err == nil {
			s.lnk = lnk
			return StateReinit, nil
		}
		if !link.IsRetryable(err) {
			return StateExit, fmt.Errorf("bootserver: open %q: %w", s.device, err)
		}
		s.logger.Warn("device not ready, retrying", slog.String("device", s.device), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return StateExit, ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}
}

// reinitState resets all derived per-transfer state. It does not reopen the
// link itself — a closed link is reopened by routing through OpenDevice,
// which this state reaches only indirectly via a nil s.lnk.
func (s *Server) reinitState(ctx context.Context) (State, error) {
	s.resetTransferState()
	if s.lnk == nil {
		return s.openDeviceState(ctx)
	}
	if err := s.lnk.SetBlocking(false); err != nil {
		s.closeLink()
		return s.openDeviceState(ctx)
	}
	return StateTty, nil
}

func (s *Server) resetTransferState() {
	if s.entries != nil {
		manifest.Close(s.entries)
		s.entries = nil
	}
	s.elf = nil
	s.modules = nil
	s.info = nil
	s.total = 0
}

func (s *Server) closeLink() {
	if s.lnk != nil {
		s.lnk.Close()
		s.lnk = nil
	}
}

func (s *Server) cleanup() {
	s.resetTransferState()
	s.closeLink()
}

// reinit is the error-path helper every transfer state uses: log, record the
// failed outcome if one was in progress, and route to Reinit.
func (s *Server) reinit(reason string) (State, error) {
	err := fmt.Errorf("bootserver: %s", reason)
	s.recordAudit("transfer_failed", map[string]any{"reason": reason})
	if !s.outcome.StartedAt.IsZero() {
		s.outcome.FinishedAt = time.Now()
		s.outcome.Success = false
		s.outcome.FailureReason = reason
		s.recordHistory(context.Background())
	}
	return StateReinit, err
}

func (s *Server) recordAudit(event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{"event": event, "detail": detail})
	if err != nil {
		return
	}
	if err := s.audit.Append(payload); err != nil {
		s.logger.Warn("audit append failed", slog.Any("error", err))
	}
}

func (s *Server) recordHistory(ctx context.Context) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordTransfer(ctx, s.outcome); err != nil {
		s.logger.Warn("history record failed", slog.Any("error", err))
	}
}

// blockingReadByte switches the link to blocking mode and reads one byte,
// suspending the caller until it arrives.
func (s *Server) blockingReadByte() (byte, error) {
	if err := s.lnk.SetBlocking(true); err != nil {
		return 0, err
	}
	return s.lnk.ReadByte()
}

// expectACK reads one blocking byte and reports whether it was ACK. step
// names the handshake phase for diagnostics.
func (s *Server) expectACK(step string) error {
	b, err := s.blockingReadByte()
	if err != nil {
		return fmt.Errorf("%s: read ack: %w", step, err)
	}
	if b != wire.ACK {
		return fmt.Errorf("%s: expected ACK (0x06), got %#x", step, b)
	}
	return nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// linkWriter adapts link.Link.Write to io.Writer so writeU32 and io.Copy-style
// helpers can be reused against it.
type linkWriter struct{ l link.Link }

func (lw linkWriter) Write(p []byte) (int, error) {
	if err := lw.l.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
