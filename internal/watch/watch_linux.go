//go:build linux

package watch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

func init() { platformFactory = newInotifyWatcher }

// inotifyMask is the set of inotify events a watched path is subscribed
// to: content changes, creation, and removal. IN_ACCESS is deliberately
// left out — a reload candidate is a write, not a read, and including it
// would fire on every checkConfig pass that merely opens the kernel file
// to validate it.
const inotifyMask uint32 = syscall.IN_MODIFY |
	syscall.IN_CLOSE_WRITE |
	syscall.IN_CREATE |
	syscall.IN_MOVED_TO |
	syscall.IN_DELETE |
	syscall.IN_MOVED_FROM

const inotifyEventHeaderSize = int(unsafe.Sizeof(syscall.InotifyEvent{}))

// inotifyWatcher monitors paths via the Linux inotify subsystem, giving
// sub-millisecond detection latency instead of pollWatcher's tick
// interval.
type inotifyWatcher struct {
	logger *slog.Logger

	fd  int
	wds map[int32]string // watch descriptor -> watched path

	events   chan Event
	done     chan struct{}
	ready    chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newInotifyWatcher(paths []string, logger *slog.Logger) (Watcher, error) {
	fd, err := syscall.InotifyInit1(syscall.IN_NONBLOCK | syscall.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("watch: inotify init: %w", err)
	}

	iw := &inotifyWatcher{
		logger: logger,
		fd:     fd,
		wds:    make(map[int32]string),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
	}

	for _, p := range paths {
		wd, err := syscall.InotifyAddWatch(fd, p, inotifyMask)
		if err != nil {
			iw.logger.Warn("watch: cannot add inotify watch",
				slog.String("path", p), slog.Any("error", err))
			continue
		}
		iw.wds[int32(wd)] = p
	}

	return iw, nil
}

func (iw *inotifyWatcher) Start(_ context.Context) error {
	iw.wg.Add(1)
	go iw.run()
	return nil
}

func (iw *inotifyWatcher) Stop() {
	iw.stopOnce.Do(func() {
		close(iw.done)
		iw.wg.Wait()
		_ = syscall.Close(iw.fd)
		close(iw.events)
	})
}

func (iw *inotifyWatcher) Events() <-chan Event   { return iw.events }
func (iw *inotifyWatcher) Ready() <-chan struct{} { return iw.ready }

func (iw *inotifyWatcher) run() {
	defer iw.wg.Done()
	close(iw.ready)

	buf := make([]byte, 4096)
	pfd := []unix.PollFd{{Fd: int32(iw.fd), Events: unix.POLLIN}}

	for {
		select {
		case <-iw.done:
			return
		default:
		}

		n, err := unix.Poll(pfd, 100)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			select {
			case <-iw.done:
				return
			default:
			}
			iw.logger.Error("watch: poll error", slog.Any("error", err))
			return
		}
		if n == 0 {
			continue
		}

		nr, err := syscall.Read(iw.fd, buf)
		if err != nil {
			select {
			case <-iw.done:
				return
			default:
			}
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				continue
			}
			iw.logger.Error("watch: read error", slog.Any("error", err))
			return
		}
		if nr == 0 {
			continue
		}

		iw.parseEvents(buf[:nr])
	}
}

func (iw *inotifyWatcher) parseEvents(buf []byte) {
	for offset := 0; offset < len(buf); {
		if offset+inotifyEventHeaderSize > len(buf) {
			break
		}

		raw := (*syscall.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += inotifyEventHeaderSize

		var name string
		if raw.Len > 0 {
			end := offset + int(raw.Len)
			if end > len(buf) {
				break
			}
			nameBytes := buf[offset:end]
			if i := bytes.IndexByte(nameBytes, 0); i >= 0 {
				nameBytes = nameBytes[:i]
			}
			name = string(nameBytes)
			offset = end
		}

		base, ok := iw.wds[raw.Wd]
		if !ok {
			continue
		}

		evtType := inotifyMaskToEventType(raw.Mask)
		if evtType == "" {
			continue
		}

		path := base
		if name != "" {
			path = filepath.Join(base, name)
		}

		iw.emit(path, evtType)
	}
}

func inotifyMaskToEventType(mask uint32) EventType {
	switch {
	case mask&syscall.IN_CREATE != 0, mask&syscall.IN_MOVED_TO != 0:
		return EventCreate
	case mask&syscall.IN_CLOSE_WRITE != 0, mask&syscall.IN_MODIFY != 0:
		return EventWrite
	case mask&syscall.IN_DELETE != 0, mask&syscall.IN_MOVED_FROM != 0:
		return EventDelete
	default:
		return ""
	}
}

func (iw *inotifyWatcher) emit(path string, t EventType) {
	evt := Event{Path: path, Type: t, Timestamp: time.Now().UTC()}
	select {
	case iw.events <- evt:
		iw.logger.Info("watch: reload candidate detected",
			slog.String("path", path), slog.String("event", string(t)))
	default:
		iw.logger.Warn("watch: event channel full, dropping event",
			slog.String("path", path), slog.String("event", string(t)))
	}
}
