package bootserver

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/eryjus/pi-bootloader/internal/elfimage"
	"github.com/eryjus/pi-bootloader/internal/manifest"
	"github.com/eryjus/pi-bootloader/internal/mbi"
	"github.com/eryjus/pi-bootloader/internal/wire"
)

// pollInterval bounds how often the Tty loop re-checks ctx.Done() and the
// stdin channel between link polls.
const pollInterval = 50 * time.Millisecond

// tty multiplexes stdin and the link: stdin bytes go to the link verbatim,
// link bytes go to stdout unless they form the three-byte wake word, which
// instead triggers a transition into the handshake.
func (s *Server) tty(ctx context.Context) (State, error) {
	if err := s.lnk.SetBlocking(false); err != nil {
		return s.reinit(fmt.Sprintf("tty: set non-blocking: %v", err))
	}

	stdinCh := make(chan byte, 256)
	stdinErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		buf := make([]byte, 1)
		for {
			n, err := s.stdin.Read(buf)
			if n > 0 {
				select {
				case stdinCh <- buf[0]:
				case <-stop:
					return
				}
			}
			if err != nil {
				select {
				case stdinErr <- err:
				case <-stop:
				}
				return
			}
		}
	}()

	wakeRun := 0
	readBuf := make([]byte, 256)

	for {
		select {
		case <-ctx.Done():
			return StateExit, ctx.Err()
		case <-s.reinitCh:
			return s.reinit("reinit requested while idle in Tty")
		case b := <-stdinCh:
			if err := s.lnk.Write([]byte{b}); err != nil {
				return s.reinit(fmt.Sprintf("tty: write link: %v", err))
			}
			continue
		case err := <-stdinErr:
			return s.reinit(fmt.Sprintf("tty: stdin: %v", err))
		default:
		}

		ready, err := s.lnk.PollReady(pollInterval)
		if err != nil {
			return s.reinit(fmt.Sprintf("tty: poll link: %v", err))
		}
		if !ready {
			continue
		}

		n, err := s.lnk.Read(readBuf)
		if err != nil {
			return s.reinit(fmt.Sprintf("tty: read link: %v", err))
		}

		for i := 0; i < n; i++ {
			b := readBuf[i]
			if b == wire.WakeByte {
				wakeRun++
				if wakeRun == wire.WakeRunLength {
					return StateReadConfig, nil
				}
				continue
			}
			for wakeRun > 0 {
				if _, werr := s.stdout.Write([]byte{wire.WakeByte}); werr != nil {
					return s.reinit(fmt.Sprintf("tty: write stdout: %v", werr))
				}
				wakeRun--
			}
			if _, werr := s.stdout.Write([]byte{b}); werr != nil {
				return s.reinit(fmt.Sprintf("tty: write stdout: %v", werr))
			}
		}
	}
}

// readConfig loads the manifest, opening every referenced file.
func (s *Server) readConfig(ctx context.Context) (State, error) {
	entries, err := manifest.Load(s.manifestPath)
	if err != nil {
		return s.reinit(fmt.Sprintf("read config: %v", err))
	}
	s.entries = entries
	return StateCheckConfig, nil
}

// checkConfig validates the kernel's ELF header, computes its transmit
// size, and assembles the MBI module table from the manifest's module
// entries.
func (s *Server) checkConfig(ctx context.Context) (State, error) {
	kernel := s.entries[0]
	summary, err := elfimage.Read(kernel.File)
	if err != nil {
		return s.reinit(fmt.Sprintf("check config: %v", err))
	}
	s.elf = summary
	kernel.Size = summary.TransmitSize()

	var modSizes []uint32
	var modPaddings []uint32
	var modNames []string
	for _, e := range s.entries[1:] {
		modSizes = append(modSizes, e.Size)
		modPaddings = append(modPaddings, e.Padding)
		modNames = append(modNames, e.BaseName)
	}
	s.modules = mbi.PlaceModules(wire.KernelLoadAddr, kernel.Size, modSizes, modPaddings, modNames)
	s.info = mbi.New(s.modules)

	s.total = kernel.Size
	for _, e := range s.entries[1:] {
		s.total += e.Size + e.Padding
	}
	if !wire.ValidImageSize(s.total) {
		return s.reinit(fmt.Sprintf("check config: image size %d exceeds the transmittable maximum", s.total))
	}

	s.outcome = TransferOutcome{
		StartedAt:   time.Now(),
		KernelPath:  kernel.Path,
		ImageSize:   s.total,
		ModuleCount: len(s.entries) - 1,
	}
	s.recordAudit("transfer_started", map[string]any{
		"kernel":       kernel.Path,
		"image_size":   s.total,
		"module_count": len(s.entries) - 1,
	})

	return StateSendSize, nil
}

// sendSize writes the total image size and waits for the agent's ACK before
// streaming any payload.
func (s *Server) sendSize(ctx context.Context) (State, error) {
	if err := s.lnk.SetBlocking(true); err != nil {
		return s.reinit(fmt.Sprintf("send size: set blocking: %v", err))
	}
	if err := writeU32(linkWriter{s.lnk}, s.total); err != nil {
		return s.reinit(fmt.Sprintf("send size: write: %v", err))
	}
	if err := s.expectACK("send size"); err != nil {
		return s.reinit(err.Error())
	}
	return StateSendKernel, nil
}

// scratchBufSize is the chunk size used to stream file contents to the
// link, mirroring a conventional large I/O buffer.
const scratchBufSize = 64 * 1024

// sendKernel streams every program header's file bytes followed by
// zero-fill out to its page-rounded memory size. There is no per-header
// handshake.
func (s *Server) sendKernel(ctx context.Context) (State, error) {
	kernel := s.entries[0]
	buf := make([]byte, scratchBufSize)
	zero := make([]byte, scratchBufSize)

	for _, ph := range s.elf.Headers {
		if _, err := kernel.File.Seek(int64(ph.Offset), io.SeekStart); err != nil {
			return s.reinit(fmt.Sprintf("send kernel: seek: %v", err))
		}
		if err := streamN(s.lnk, kernel.File, buf, int64(ph.FileSz)); err != nil {
			return s.reinit(fmt.Sprintf("send kernel: stream: %v", err))
		}
		padding := int64(ph.PaddedSize()) - int64(ph.FileSz)
		if err := streamZeros(s.lnk, zero, padding); err != nil {
			return s.reinit(fmt.Sprintf("send kernel: zero-fill: %v", err))
		}
	}

	return StateSendModules, nil
}

// streamN copies exactly n bytes from r to the link through buf.
func streamN(w linkWriteCloser, r io.Reader, buf []byte, n int64) error {
	for n > 0 {
		chunk := int64(len(buf))
		if chunk > n {
			chunk = n
		}
		read, err := io.ReadFull(r, buf[:chunk])
		if err != nil {
			return err
		}
		if err := w.Write(buf[:read]); err != nil {
			return err
		}
		n -= int64(read)
	}
	return nil
}

func streamZeros(w linkWriteCloser, zero []byte, n int64) error {
	for n > 0 {
		chunk := int64(len(zero))
		if chunk > n {
			chunk = n
		}
		if err := w.Write(zero[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// linkWriteCloser is the minimal surface sendKernel/sendModules need from
// the link, narrowed for testability.
type linkWriteCloser interface {
	Write(p []byte) error
}

// sendModules streams every module's bytes plus its zero-fill padding, then
// waits for the agent's intermediate ACK for the full image block.
func (s *Server) sendModules(ctx context.Context) (State, error) {
	buf := make([]byte, scratchBufSize)
	zero := make([]byte, scratchBufSize)

	for _, e := range s.entries[1:] {
		if _, err := e.File.Seek(0, io.SeekStart); err != nil {
			return s.reinit(fmt.Sprintf("send modules: seek: %v", err))
		}
		if err := streamN(s.lnk, e.File, buf, int64(e.Size)); err != nil {
			return s.reinit(fmt.Sprintf("send modules: stream: %v", err))
		}
		if err := streamZeros(s.lnk, zero, int64(e.Padding)); err != nil {
			return s.reinit(fmt.Sprintf("send modules: zero-fill: %v", err))
		}
	}

	if err := s.expectACK("send modules"); err != nil {
		return s.reinit(err.Error())
	}
	if err := s.lnk.SetBlocking(false); err != nil {
		return s.reinit(fmt.Sprintf("send modules: set non-blocking: %v", err))
	}
	return StateSendMbiSize, nil
}

// sendMbiSize writes the fixed MBI block size and waits for the ACK that
// authorizes the MBI transfer.
func (s *Server) sendMbiSize(ctx context.Context) (State, error) {
	if err := s.lnk.SetBlocking(true); err != nil {
		return s.reinit(fmt.Sprintf("send mbi size: set blocking: %v", err))
	}
	if err := writeU32(linkWriter{s.lnk}, wire.MBISize); err != nil {
		return s.reinit(fmt.Sprintf("send mbi size: write: %v", err))
	}
	if err := s.expectACK("send mbi size"); err != nil {
		return s.reinit(err.Error())
	}
	return StateSendMbi, nil
}

// sendMbi writes the full 8 KiB MBI block and waits for the ACK.
func (s *Server) sendMbi(ctx context.Context) (State, error) {
	if err := s.lnk.Write(s.info.Bytes()); err != nil {
		return s.reinit(fmt.Sprintf("send mbi: write: %v", err))
	}
	if err := s.expectACK("send mbi"); err != nil {
		return s.reinit(err.Error())
	}
	return StateSendEntry, nil
}

// sendEntry writes the kernel's entry address, waits for the agent's ACK of
// it, sends the final ACK granting the agent permission to boot, then
// returns the console to passthrough.
func (s *Server) sendEntry(ctx context.Context) (State, error) {
	if err := writeU32(linkWriter{s.lnk}, s.elf.EntryVA); err != nil {
		return s.reinit(fmt.Sprintf("send entry: write: %v", err))
	}
	if err := s.expectACK("send entry"); err != nil {
		return s.reinit(err.Error())
	}
	if err := s.lnk.Write([]byte{wire.ACK}); err != nil {
		return s.reinit(fmt.Sprintf("send entry: write boot permission: %v", err))
	}

	s.outcome.FinishedAt = time.Now()
	s.outcome.Success = true
	s.recordHistory(ctx)
	s.recordAudit("transfer_succeeded", map[string]any{
		"kernel":     s.outcome.KernelPath,
		"image_size": s.outcome.ImageSize,
	})

	if err := s.lnk.SetBlocking(false); err != nil {
		return s.reinit(fmt.Sprintf("send entry: set non-blocking: %v", err))
	}
	manifest.Close(s.entries)
	s.entries = nil
	return StateTty, nil
}
