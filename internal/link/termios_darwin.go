//go:build darwin

package link

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	ioctlGetTermios = unix.TIOCGETA
	ioctlSetTermios = unix.TIOCSETA
)

// setBaud sets the input/output speed fields directly; BSD termios does not
// encode the rate in Cflag the way Linux does.
func setBaud(t *unix.Termios, baud int) error {
	switch baud {
	case 115200:
	default:
		return fmt.Errorf("unsupported baud rate %d", baud)
	}
	t.Ispeed = uint64(baud)
	t.Ospeed = uint64(baud)
	return nil
}
