package link_test

import (
	"testing"
	"time"

	"github.com/eryjus/pi-bootloader/internal/link"
)

func TestPipeRoundTrip(t *testing.T) {
	a, b := link.NewPipe()
	defer a.Close()
	defer b.Close()

	if err := a.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 5)
	if ok, err := b.PollReady(time.Second); err != nil || !ok {
		t.Fatalf("PollReady: ready=%v err=%v", ok, err)
	}
	n, err := b.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q, want %q", buf[:n], "hello")
	}
}

func TestPipeNonBlockingEmptyReturnsZero(t *testing.T) {
	a, b := link.NewPipe()
	defer a.Close()
	defer b.Close()

	if err := b.SetBlocking(false); err != nil {
		t.Fatalf("SetBlocking: %v", err)
	}
	buf := make([]byte, 4)
	n, err := b.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes on empty non-blocking read, got %d", n)
	}
}

func TestPipeBlockingReadByteSuspendsUntilData(t *testing.T) {
	a, b := link.NewPipe()
	defer a.Close()
	defer b.Close()

	if err := b.SetBlocking(true); err != nil {
		t.Fatalf("SetBlocking: %v", err)
	}

	done := make(chan byte, 1)
	go func() {
		v, err := b.ReadByte()
		if err != nil {
			t.Errorf("ReadByte: %v", err)
			return
		}
		done <- v
	}()

	select {
	case <-done:
		t.Fatal("ReadByte returned before any data was written")
	case <-time.After(50 * time.Millisecond):
	}

	if err := a.Write([]byte{0x42}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case v := <-done:
		if v != 0x42 {
			t.Fatalf("got %#x, want 0x42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("blocking ReadByte never unblocked")
	}
}

func TestPollReadyTimesOut(t *testing.T) {
	a, b := link.NewPipe()
	defer a.Close()
	defer b.Close()

	start := time.Now()
	ok, err := b.PollReady(30 * time.Millisecond)
	if err != nil {
		t.Fatalf("PollReady: %v", err)
	}
	if ok {
		t.Fatal("expected PollReady to time out with no data")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("PollReady returned too early: %v", elapsed)
	}
}
