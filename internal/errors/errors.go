package errors

import (
	"errors"
	"fmt"
)

// Base error types
var (
	ErrAgentDisabled     = errors.New("ssh agent disabled")
	ErrNotFound          = errors.New("not found")
	ErrInvalidKeyData    = errors.New("invalid key data")
	ErrAddIdentityFailed = errors.New("add identity failed")
	ErrWaitFailed        = errors.New("signal wait failed")
	ErrRemovalFailed     = errors.New("removal failed")
	ErrLocked            = errors.New("database locked")
)

// Kind represents the category of a key provisioning error
type Kind string

const (
	KindAgentDisabled     Kind = "agent_disabled"
	KindNotFound          Kind = "not_found"
	KindInvalidKeyData    Kind = "invalid_key_data"
	KindAddIdentityFailed Kind = "add_identity_failed"
	KindWaitError         Kind = "wait_error"
	KindRemovalFailed     Kind = "removal_failed"
	KindLocked            Kind = "locked"
)

var kindSentinels = map[Kind]error{
	KindAgentDisabled:     ErrAgentDisabled,
	KindNotFound:          ErrNotFound,
	KindInvalidKeyData:    ErrInvalidKeyData,
	KindAddIdentityFailed: ErrAddIdentityFailed,
	KindWaitError:         ErrWaitFailed,
	KindRemovalFailed:     ErrRemovalFailed,
	KindLocked:            ErrLocked,
}

// KeyError is a structured error for identity provisioning operations
type KeyError struct {
	Kind Kind
	Op   string // Operation that failed (e.g., "find_entry", "add_identity")
	Path string // Entry path if applicable
	Err  error  // Underlying error
}

func (e *KeyError) Error() string {
	cause := e.Err
	if cause == nil {
		cause = kindSentinels[e.Kind]
	}
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, cause)
	}
	return fmt.Sprintf("%s: %v", e.Op, cause)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *KeyError) Is(target error) bool {
	if target == nil {
		return false
	}
	if sentinel, ok := kindSentinels[e.Kind]; ok && sentinel == target {
		return true
	}
	return errors.Is(e.Err, target)
}

// New creates a new KeyError
func New(kind Kind, op string, err error) *KeyError {
	return &KeyError{
		Kind: kind,
		Op:   op,
		Err:  err,
	}
}

// WithPath adds the entry path to the error
func (e *KeyError) WithPath(path string) *KeyError {
	e.Path = path
	return e
}

// KindOf returns the Kind of the first KeyError in err's chain, or "" if none.
func KindOf(err error) Kind {
	var keyErr *KeyError
	if errors.As(err, &keyErr) {
		return keyErr.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}

// IsFatal reports whether an error of this kind ends the invocation with a failure status.
// Removal failures are reported but never escalated.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) != KindRemovalFailed
}

// Is and Join re-export the standard helpers so callers importing this
// package under its default name keep access to them.
var (
	Is   = errors.Is
	Join = errors.Join
)
