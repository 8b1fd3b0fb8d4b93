//go:build linux || darwin

package link

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// serialLink is a Link backed by a character device opened in raw mode.
// Blocking mode is implemented by toggling O_NONBLOCK on the underlying file
// descriptor rather than by relying on VMIN/VTIME alone, so the switch takes
// effect immediately regardless of what is already queued in the driver.
type serialLink struct {
	fd       int
	blocking bool
}

// Open opens device as a character special file and configures it for
// 115200 8N1, no flow control, no canonical processing, no echo, with
// VMIN=0 VTIME=0 (spec.md §4.2). The link starts in non-blocking mode.
func Open(device string) (Link, error) {
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, classifyOpenErr(device, err)
	}

	st, err := unix.Fstat(fd)
	if err != nil {
		unix.Close(fd)
		return nil, &Error{Kind: KindIO, Op: "fstat " + device, Err: err}
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		unix.Close(fd)
		return nil, &Error{Kind: KindIO, Op: "open " + device, Err: fmt.Errorf("not a character device")}
	}

	if err := configureRaw(fd); err != nil {
		unix.Close(fd)
		return nil, &Error{Kind: KindIO, Op: "configure " + device, Err: err}
	}

	return &serialLink{fd: fd, blocking: false}, nil
}

func classifyOpenErr(device string, err error) error {
	switch {
	case err == unix.ENOENT:
		return &Error{Kind: KindNotFound, Op: "open " + device, Err: err}
	case err == unix.EACCES || err == unix.EPERM:
		return &Error{Kind: KindPermissionDenied, Op: "open " + device, Err: err}
	default:
		return &Error{Kind: KindIO, Op: "open " + device, Err: err}
	}
}

// configureRaw applies 115200 8N1, raw (non-canonical, no echo), no flow
// control, VMIN=0 VTIME=0.
func configureRaw(fd int) error {
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS
	t.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD

	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := setBaud(t, 115200); err != nil {
		return err
	}

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, t); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

func (l *serialLink) SetBlocking(blocking bool) error {
	if l.blocking == blocking {
		return nil
	}
	if err := unix.SetNonblock(l.fd, !blocking); err != nil {
		return &Error{Kind: KindIO, Op: "set nonblock", Err: err}
	}
	l.blocking = blocking
	return nil
}

func (l *serialLink) ReadByte() (byte, error) {
	var buf [1]byte
	for {
		n, err := l.Read(buf[:])
		if err != nil {
			return 0, err
		}
		if n == 1 {
			return buf[0], nil
		}
		// Non-blocking mode with nothing available: spin is the caller's
		// responsibility (ReadByte in blocking mode never returns n==0).
		if !l.blocking {
			return 0, nil
		}
	}
}

func (l *serialLink) Read(buf []byte) (int, error) {
	for {
		n, err := unix.Read(l.fd, buf)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, &Error{Kind: KindIO, Op: "read", Err: err}
		}
		return n, nil
	}
}

func (l *serialLink) Write(buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(l.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return &Error{Kind: KindIO, Op: "write", Err: err}
		}
		buf = buf[n:]
	}
	return nil
}

func (l *serialLink) PollReady(timeout time.Duration) (bool, error) {
	pfd := []unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, &Error{Kind: KindIO, Op: "poll", Err: err}
	}
	return n > 0, nil
}

func (l *serialLink) Close() error {
	return unix.Close(l.fd)
}
