// Package signalgate blocks the caller until a termination signal arrives.
//
// Arming a gate takes over the default disposition of the termination signals
// so that a signal delivered while identities are being provisioned is held
// pending instead of killing the process. Disarm restores the previous
// disposition and must run on every exit path:
//
//	gate := signalgate.Arm()
//	defer gate.Disarm()
//	sig, err := gate.Wait(ctx)
package signalgate

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	keyerrors "github.com/rcourtman/keyagent/internal/errors"
)

// Signal is a recognized termination signal.
type Signal int

const (
	Quit Signal = iota + 1
	Interrupt
	Terminate
	Hangup
)

func (s Signal) String() string {
	switch s {
	case Quit:
		return "QUIT"
	case Interrupt:
		return "INTERRUPT"
	case Terminate:
		return "TERMINATE"
	case Hangup:
		return "HANGUP"
	default:
		return fmt.Sprintf("Signal(%d)", int(s))
	}
}

// OS returns the platform signal, or nil when the platform cannot deliver it.
func (s Signal) OS() os.Signal {
	return osSignals[s]
}

var (
	notifyFn = signal.Notify
	stopFn   = signal.Stop
)

// Gate holds the termination signals pending until Wait consumes one.
type Gate struct {
	mu      sync.Mutex
	ch      chan os.Signal
	armed   bool
	fired   bool
	signals []os.Signal
}

// Arm starts intercepting the termination signals.
func Arm() *Gate {
	signals := Supported()
	g := &Gate{
		ch:      make(chan os.Signal, len(signals)),
		armed:   true,
		signals: make([]os.Signal, 0, len(signals)),
	}
	for _, s := range signals {
		g.signals = append(g.signals, s.OS())
	}
	notifyFn(g.ch, g.signals...)
	log.Debug().Int("signals", len(g.signals)).Msg("Signal gate armed")
	return g
}

// Supported returns the termination signals the platform can deliver, in a stable order.
func Supported() []Signal {
	out := make([]Signal, 0, len(osSignals))
	for s := range osSignals {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Wait blocks until a termination signal is pending, consumes it and returns
// which one fired. It does not retry: a failed wait is reported as a
// wait error and the caller proceeds to cleanup.
func (g *Gate) Wait(ctx context.Context) (Signal, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	g.mu.Lock()
	switch {
	case !g.armed:
		g.mu.Unlock()
		return 0, waitError(fmt.Errorf("gate is not armed"))
	case g.fired:
		g.mu.Unlock()
		return 0, waitError(fmt.Errorf("signal already consumed"))
	}
	ch := g.ch
	g.mu.Unlock()

	select {
	case received, ok := <-ch:
		if !ok {
			return 0, waitError(fmt.Errorf("gate disarmed while waiting"))
		}
		sig, known := fromOS(received)
		if !known {
			return 0, waitError(fmt.Errorf("unexpected signal %v", received))
		}
		g.mu.Lock()
		g.fired = true
		g.mu.Unlock()
		log.Debug().Str("signal", sig.String()).Msg("Termination signal received")
		return sig, nil
	case <-ctx.Done():
		return 0, waitError(ctx.Err())
	}
}

// Disarm restores the previous signal disposition. It is safe to call more than once.
func (g *Gate) Disarm() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.armed {
		return
	}
	stopFn(g.ch)
	g.armed = false
	close(g.ch)
	log.Debug().Msg("Signal gate disarmed")
}

// Armed reports whether the gate still intercepts signals.
func (g *Gate) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.armed
}

func fromOS(received os.Signal) (Signal, bool) {
	for s, candidate := range osSignals {
		if candidate == received {
			return s, true
		}
	}
	return 0, false
}

func waitError(err error) error {
	return keyerrors.New(keyerrors.KindWaitError, "wait_for_signal", err)
}
