//go:build unix

package signalgate

import (
	"os"

	"golang.org/x/sys/unix"
)

var osSignals = map[Signal]os.Signal{
	Quit:      unix.SIGQUIT,
	Interrupt: unix.SIGINT,
	Terminate: unix.SIGTERM,
	Hangup:    unix.SIGHUP,
}
