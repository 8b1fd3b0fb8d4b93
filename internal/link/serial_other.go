//go:build !linux && !darwin

package link

import "fmt"

// Open is unavailable on platforms without a termios implementation in this
// package. The server and agent binaries are built for Linux (and tested on
// Darwin); this stub exists only so the package builds everywhere.
func Open(device string) (Link, error) {
	return nil, &Error{Kind: KindIO, Op: "open " + device, Err: fmt.Errorf("serial link not supported on this platform")}
}
