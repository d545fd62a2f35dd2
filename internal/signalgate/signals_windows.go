//go:build windows

package signalgate

import (
	"os"
	"syscall"
)

// Windows only delivers console interrupts and termination requests.
var osSignals = map[Signal]os.Signal{
	Interrupt: os.Interrupt,
	Terminate: syscall.SIGTERM,
}
