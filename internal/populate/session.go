// Package populate adds identities to the SSH agent for the lifetime of a
// command and removes them again when a termination signal arrives.
package populate

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	keyerrors "github.com/rcourtman/keyagent/internal/errors"
	"github.com/rcourtman/keyagent/internal/keystore"
	"github.com/rcourtman/keyagent/internal/selector"
	"github.com/rcourtman/keyagent/internal/signalgate"
	"github.com/rcourtman/keyagent/internal/sshagent"
)

// State is a step of the provisioning lifecycle.
type State int

const (
	StateIdle State = iota
	StateProvisioned
	StateAwaitingSignal
	StateCleaned
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProvisioned:
		return "provisioned"
	case StateAwaitingSignal:
		return "awaiting_signal"
	case StateCleaned:
		return "cleaned"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Messages written to the status and error channels.
const (
	msgAgentDisabled = "The SSH agent is not enabled."
	msgNotFound      = "Could not find entry with path %s."
	msgInvalidKey    = "Could not retrieve the OpenSSH key associated to the entry."
	msgSkippedEntry  = "Could not retrieve the OpenSSH key associated to the entry %s: %v"
	msgResolveFailed = "Could not resolve the keys to add: %v"
	msgAddFailed     = "Could not add OpenSSH key to the agent: %s"
	msgWaiting       = "Key(s) added to SSH agent, waiting for exit signal..."
	msgWaitFailed    = "Failed to wait for signal"
	msgRemoveFailed  = "Could not remove OpenSSH key from the agent: %v"
	msgRemoved       = "Key(s) removed from SSH agent"
)

// Waiter is an armed signal gate.
type Waiter interface {
	Wait(ctx context.Context) (signalgate.Signal, error)
	Disarm()
}

// Outcome is the final result of a session.
type Outcome struct {
	Err    error
	Signal signalgate.Signal
	Added  int
}

// Success reports whether the session ended successfully. Removal failures
// are reported during cleanup but never make the outcome fail.
func (o Outcome) Success() bool {
	return !keyerrors.IsFatal(o.Err)
}

// Kind returns the error kind of a failed outcome.
func (o Outcome) Kind() keyerrors.Kind {
	return keyerrors.KindOf(o.Err)
}

// ExitCode maps the outcome to a process exit status.
func (o Outcome) ExitCode() int {
	if o.Success() {
		return 0
	}
	return 1
}

// Options configure a Session.
type Options struct {
	Agent    sshagent.Agent
	Database keystore.Database
	// Out receives status lines; nil discards them.
	Out io.Writer
	// Err receives error lines; nil discards them.
	Err io.Writer
	// Arm starts intercepting termination signals; defaults to signalgate.Arm.
	Arm    func() Waiter
	Logger *zerolog.Logger
}

// Session is a single provision, wait and cleanup cycle.
type Session struct {
	agent  sshagent.Agent
	db     keystore.Database
	out    io.Writer
	errOut io.Writer
	arm    func() Waiter
	logger zerolog.Logger

	state State
	added int
}

// New returns an idle Session.
func New(opts Options) *Session {
	s := &Session{
		agent:  opts.Agent,
		db:     opts.Database,
		out:    opts.Out,
		errOut: opts.Err,
		arm:    opts.Arm,
		logger: log.Logger,
	}
	if s.out == nil {
		s.out = io.Discard
	}
	if s.errOut == nil {
		s.errOut = io.Discard
	}
	if s.arm == nil {
		s.arm = func() Waiter { return signalgate.Arm() }
	}
	if opts.Logger != nil {
		s.logger = *opts.Logger
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Run adds the identities selected by target (all auto-load entries when empty),
// blocks until a termination signal arrives and then removes them. Every
// identity added is removed before Run returns, on every path.
func (s *Session) Run(ctx context.Context, target string) Outcome {
	if !s.agent.Enabled() {
		s.errorf(msgAgentDisabled)
		s.transition(StateFailed)
		return Outcome{Err: keyerrors.New(keyerrors.KindAgentDisabled, "check_agent", nil)}
	}

	gate := s.arm()
	defer gate.Disarm()

	set, err := selector.Select(s.db, target, func(entry *keystore.Entry, err error) {
		s.errorf(msgSkippedEntry, entry.Path, err)
		s.logger.Warn().Err(err).Str("entry", entry.Path).Msg("Skipping auto-load entry")
	})
	if err != nil {
		s.reportSelectError(target, err)
		s.transition(StateFailed)
		return Outcome{Err: err}
	}

	if err := s.provision(set); err != nil {
		s.cleanup(set)
		s.transition(StateFailed)
		return Outcome{Err: err, Added: s.added}
	}

	s.printf(msgWaiting)
	s.transition(StateAwaitingSignal)

	outcome := Outcome{Added: s.added}
	sig, err := gate.Wait(ctx)
	if err != nil {
		s.errorf(msgWaitFailed)
		s.logger.Error().Err(err).Msg("Signal wait failed")
		outcome.Err = err
	} else {
		outcome.Signal = sig
		s.logger.Info().Str("signal", sig.String()).Msg("Exit signal received")
	}

	s.cleanup(set)
	s.transition(StateCleaned)
	return outcome
}

func (s *Session) provision(set selector.IdentitySet) error {
	for _, id := range set.Identities {
		if err := s.agent.AddIdentity(id, set.Owner); err != nil {
			reason := s.agent.ErrorString()
			if reason == "" {
				reason = err.Error()
			}
			s.errorf(msgAddFailed, reason)
			s.logger.Error().Err(err).Str("entry", id.EntryPath).Msg("Failed to add identity")
			return err
		}
		s.added++
	}
	s.transition(StateProvisioned)
	s.logger.Info().
		Int("identities", s.added).
		Str("database", s.db.Name()).
		Msg("Identities added to SSH agent")
	return nil
}

// cleanup removes every identity this session added and locks the database.
// Removal failures are reported and never change the outcome.
func (s *Session) cleanup(set selector.IdentitySet) {
	removeErr := s.agent.RemoveIdentities(set.Owner)
	if removeErr != nil {
		s.errorf(msgRemoveFailed, removeErr)
		s.logger.Warn().Err(removeErr).Msg("Failed to remove identities")
	}
	s.db.MarkLocked()

	if removeErr == nil && (s.state != StateIdle || s.added > 0) {
		s.printf(msgRemoved)
	}
	s.logger.Debug().
		Int("remaining", len(s.agent.Owned(set.Owner))).
		Msg("Cleanup finished")
}

func (s *Session) reportSelectError(target string, err error) {
	switch keyerrors.KindOf(err) {
	case keyerrors.KindNotFound:
		s.errorf(msgNotFound, target)
	case keyerrors.KindInvalidKeyData:
		s.errorf(msgInvalidKey)
	default:
		s.errorf(msgResolveFailed, err)
	}
	s.logger.Error().Err(err).Str("entry", target).Msg("Failed to select identities")
}

func (s *Session) transition(next State) {
	s.logger.Debug().
		Str("from", s.state.String()).
		Str("to", next.String()).
		Msg("Session state change")
	s.state = next
}

func (s *Session) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format+"\n", args...)
}

func (s *Session) errorf(format string, args ...any) {
	fmt.Fprintf(s.errOut, format+"\n", args...)
}
