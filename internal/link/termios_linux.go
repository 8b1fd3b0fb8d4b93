//go:build linux

package link

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
)

// setBaud encodes baud into the termios Cflag baud-rate bits. Only the rates
// this bootloader actually uses are supported.
func setBaud(t *unix.Termios, baud int) error {
	var b uint32
	switch baud {
	case 115200:
		b = unix.B115200
	default:
		return fmt.Errorf("unsupported baud rate %d", baud)
	}
	t.Cflag &^= unix.CBAUD
	t.Cflag |= b
	t.Ispeed = b
	t.Ospeed = b
	return nil
}
