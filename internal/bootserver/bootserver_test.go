package bootserver_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eryjus/pi-bootloader/internal/bootserver"
	"github.com/eryjus/pi-bootloader/internal/link"
	"github.com/eryjus/pi-bootloader/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildKernel writes a minimal valid ELF32 executable with one loadable
// program header to dir/name and returns its path. The file is padded to at
// least 4096 bytes, the fixed size elfimage.Read requires to be present on
// disk regardless of how much of it is meaningful ELF content.
func buildKernel(t *testing.T, dir, name string, fileSz, memSz uint32, entry uint32) string {
	t.Helper()
	const ehdrSize = 52
	const phdrSize = 32
	const minFileSize = 4096
	phoff := uint32(ehdrSize)

	size := phoff + phdrSize + fileSz
	if size < minFileSize {
		size = minFileSize
	}
	buf := make([]byte, size)
	buf[0], buf[1], buf[2], buf[3] = 0x7F, 'E', 'L', 'F'
	buf[4] = 1 // ELFCLASS32
	buf[5] = 1 // little-endian
	binary.LittleEndian.PutUint16(buf[16:18], 2) // ET_EXEC
	binary.LittleEndian.PutUint32(buf[24:28], entry)
	binary.LittleEndian.PutUint32(buf[28:32], phoff)
	binary.LittleEndian.PutUint16(buf[44:46], 1)

	binary.LittleEndian.PutUint32(buf[phoff+4:phoff+8], phoff+phdrSize) // p_offset
	binary.LittleEndian.PutUint32(buf[phoff+16:phoff+20], fileSz)
	binary.LittleEndian.PutUint32(buf[phoff+20:phoff+24], memSz)

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write kernel: %v", err)
	}
	return path
}

func writeManifest(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "boot.manifest")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

// agentSim drives the far end of a link.Pipe, answering every handshake
// prompt with ACK and recording exactly what it received.
type agentSim struct {
	lnk link.Link

	imageSize  uint32
	image      []byte
	mbiSize    uint32
	mbi        []byte
	entryVA    uint32
}

func (a *agentSim) run(t *testing.T, done chan<- error) {
	defer close(done)

	if err := a.lnk.SetBlocking(true); err != nil {
		done <- err
		return
	}
	if err := a.lnk.Write([]byte{wire.WakeByte, wire.WakeByte, wire.WakeByte}); err != nil {
		done <- err
		return
	}

	var err error
	if a.imageSize, err = readU32(a.lnk); err != nil {
		done <- fmt.Errorf("image size: %w", err)
		return
	}
	if err = ack(a.lnk); err != nil {
		done <- err
		return
	}

	a.image = make([]byte, a.imageSize)
	if err = readFull(a.lnk, a.image); err != nil {
		done <- fmt.Errorf("image: %w", err)
		return
	}
	if err = ack(a.lnk); err != nil {
		done <- err
		return
	}

	if a.mbiSize, err = readU32(a.lnk); err != nil {
		done <- fmt.Errorf("mbi size: %w", err)
		return
	}
	if err = ack(a.lnk); err != nil {
		done <- err
		return
	}

	a.mbi = make([]byte, a.mbiSize)
	if err = readFull(a.lnk, a.mbi); err != nil {
		done <- fmt.Errorf("mbi: %w", err)
		return
	}
	if err = ack(a.lnk); err != nil {
		done <- err
		return
	}

	if a.entryVA, err = readU32(a.lnk); err != nil {
		done <- fmt.Errorf("entry: %w", err)
		return
	}
	if err = ack(a.lnk); err != nil {
		done <- err
		return
	}
}

func readU32(l link.Link) (uint32, error) {
	var buf [4]byte
	if err := readFull(l, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readFull(l link.Link, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := l.Read(buf[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

func ack(l link.Link) error {
	return l.Write([]byte{wire.ACK})
}

func TestServerEndToEndTransferAndReturnToTty(t *testing.T) {
	dir := t.TempDir()
	kernelPath := buildKernel(t, dir, "kernel.bin", 13, 4096, 0x00100000)

	manifestPath := writeManifest(t, dir, "kernel "+kernelPath)

	serverEnd, agentEnd := link.NewPipe()

	var stdout bytes.Buffer
	stdin, stdinW := io.Pipe() // blocks forever; no operator input in this test
	defer stdinW.Close()

	srv := bootserver.New("fake-device", manifestPath, discardLogger(),
		bootserver.WithDeviceOpener(func(string) (link.Link, error) { return serverEnd, nil }),
		bootserver.WithStdio(stdin, &stdout),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sim := &agentSim{lnk: agentEnd}
	simDone := make(chan error, 1)
	go sim.run(t, simDone)

	runDone := make(chan error, 1)
	go func() { runDone <- srv.Run(ctx) }()

	select {
	case err := <-simDone:
		if err != nil {
			t.Fatalf("agent simulator failed: %v", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("agent simulator did not complete in time")
	}

	if sim.mbiSize != wire.MBISize {
		t.Errorf("mbiSize = %d, want %d", sim.mbiSize, wire.MBISize)
	}
	if len(sim.mbi) != int(wire.MBISize) {
		t.Errorf("len(mbi) = %d, want %d", len(sim.mbi), wire.MBISize)
	}
	if sim.entryVA != 0x00100000 {
		t.Errorf("entryVA = %#x, want 0x00100000", sim.entryVA)
	}
	if sim.imageSize != 4096 {
		t.Errorf("imageSize = %d, want 4096 (one page-rounded segment)", sim.imageSize)
	}

	deadline := time.After(time.Second)
	for srv.CurrentState() != bootserver.StateTty {
		select {
		case <-deadline:
			t.Fatalf("server never returned to Tty after the transfer, stuck at %s", srv.CurrentState())
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestRequestReinitFallsBackFromTty(t *testing.T) {
	dir := t.TempDir()
	kernelPath := buildKernel(t, dir, "kernel.bin", 13, 4096, 0x00100000)
	manifestPath := writeManifest(t, dir, "kernel "+kernelPath)

	serverEnd, agentEnd := link.NewPipe()
	defer agentEnd.Close()

	stdin, stdinW := io.Pipe()
	defer stdinW.Close()

	srv := bootserver.New("fake-device", manifestPath, discardLogger(),
		bootserver.WithDeviceOpener(func(string) (link.Link, error) { return serverEnd, nil }),
		bootserver.WithStdio(stdin, io.Discard),
	)

	if srv.CurrentState() != bootserver.StateOpenDevice {
		t.Fatalf("CurrentState() before Run = %s, want %s", srv.CurrentState(), bootserver.StateOpenDevice)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- srv.Run(ctx) }()

	deadline := time.After(time.Second)
	for srv.CurrentState() != bootserver.StateTty {
		select {
		case <-deadline:
			t.Fatalf("server never reached Tty, stuck at %s", srv.CurrentState())
		case <-time.After(time.Millisecond):
		}
	}

	srv.RequestReinit()

	deadline = time.After(time.Second)
	for srv.CurrentState() != bootserver.StateTty {
		select {
		case <-deadline:
			t.Fatalf("server never returned to Tty after reinit, stuck at %s", srv.CurrentState())
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestWakeWordAmongConsoleBytesTriggersOnce(t *testing.T) {
	serverEnd, agentEnd := link.NewPipe()
	defer serverEnd.Close()
	defer agentEnd.Close()

	var stdout bytes.Buffer
	stdin, stdinW := io.Pipe()
	defer stdinW.Close()

	dir := t.TempDir()
	// The final three-byte 0x03 run is a full wake word, so the server does
	// load this manifest; a valid kernel file keeps Load from failing on an
	// unrelated I/O error. The transfer itself is not exercised: the trailing
	// 'C' is not an ACK, so the server falls back to Reinit.
	kernelPath := buildKernel(t, dir, "kernel.bin", 1, 4096, 0)
	manifestPath := writeManifest(t, dir, "kernel "+kernelPath)

	srv := bootserver.New("fake-device", manifestPath, discardLogger(),
		bootserver.WithDeviceOpener(func(string) (link.Link, error) { return serverEnd, nil }),
		bootserver.WithStdio(stdin, &stdout),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go srv.Run(ctx)

	// "A 0x03 B 0x03 0x03 0x03 C" split across writes to exercise arbitrary
	// chunk boundaries.
	if err := agentEnd.Write([]byte{'A', 0x03}); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := agentEnd.Write([]byte{'B', 0x03, 0x03}); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := agentEnd.Write([]byte{0x03, 'C'}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Wait for console echo of A and B. The lone 0x03 that breaks up the
	// very first run is flushed to stdout once 'B' arrives, so stdout ends
	// up as "A\x03B"; the final three-byte run is consumed by the wake
	// transition and never reaches stdout.
	deadline := time.After(1 * time.Second)
	for {
		if bytes.Contains(stdout.Bytes(), []byte{'A'}) && bytes.Contains(stdout.Bytes(), []byte{'B'}) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("stdout = %q, want to contain A and B", stdout.String())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if bytes.Contains(stdout.Bytes(), []byte{'C'}) {
		t.Errorf("stdout = %q, should not contain the byte after the consumed wake word yet", stdout.String())
	}
}

func TestIsolatedWakeByteReachesConsole(t *testing.T) {
	serverEnd, agentEnd := link.NewPipe()
	defer serverEnd.Close()
	defer agentEnd.Close()

	var stdout bytes.Buffer
	stdin, stdinW := io.Pipe()
	defer stdinW.Close()

	dir := t.TempDir()
	kernelPath := buildKernel(t, dir, "kernel.bin", 1, 4096, 0)
	manifestPath := writeManifest(t, dir, "kernel "+kernelPath)

	srv := bootserver.New("fake-device", manifestPath, discardLogger(),
		bootserver.WithDeviceOpener(func(string) (link.Link, error) { return serverEnd, nil }),
		bootserver.WithStdio(stdin, &stdout),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go srv.Run(ctx)

	if err := agentEnd.Write([]byte{'X', 0x03, 'Y'}); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.After(1 * time.Second)
	for {
		if bytes.Contains(stdout.Bytes(), []byte{'X', 0x03, 'Y'}) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("stdout = %q, want to contain X 0x03 Y", stdout.String())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
