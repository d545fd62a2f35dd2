// Package sshagent registers identities with a running SSH agent and tracks
// which session owns them so they can be removed again.
package sshagent

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh/agent"

	"github.com/rcourtman/keyagent/internal/agentkey"
	keyerrors "github.com/rcourtman/keyagent/internal/errors"
)

// Agent is the connection used to add and remove session identities.
type Agent interface {
	// Enabled reports whether agent integration is configured.
	Enabled() bool
	// AddIdentity registers id with the agent on behalf of owner.
	AddIdentity(id agentkey.Identity, owner uuid.UUID) error
	// RemoveIdentities removes every identity owner added. All removals are
	// attempted; failures are joined.
	RemoveIdentities(owner uuid.UUID) error
	// Owned returns the identities currently tracked for owner.
	Owned(owner uuid.UUID) []agentkey.Identity
	// ErrorString returns the text of the most recent failure.
	ErrorString() string
}

// ErrorHandler is notified of every agent failure, in addition to the returned error.
type ErrorHandler func(err error)

// Option customizes Client construction.
type Option func(*Client)

// WithErrorHandler installs the failure notification hook.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(c *Client) {
		c.onError = fn
	}
}

// WithTimeout overrides the dial and per-operation deadline (defaults to 5 seconds).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithDialer overrides how the agent socket is reached (mainly for tests).
func WithDialer(fn func(socket string, timeout time.Duration) (net.Conn, error)) Option {
	return func(c *Client) {
		if fn != nil {
			c.dial = fn
		}
	}
}

const defaultTimeout = 5 * time.Second

var defaultDial = func(socket string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", socket, timeout)
}

// Client talks to the agent listening on a unix socket.
type Client struct {
	mu      sync.Mutex
	enabled bool
	socket  string
	timeout time.Duration
	dial    func(socket string, timeout time.Duration) (net.Conn, error)
	onError ErrorHandler

	conn    net.Conn
	agent   agent.ExtendedAgent
	owned   map[uuid.UUID][]agentkey.Identity
	lastErr string
}

// NewClient returns a Client for socket. The socket is dialed on first use.
func NewClient(enabled bool, socket string, opts ...Option) *Client {
	c := &Client{
		enabled: enabled,
		socket:  strings.TrimSpace(socket),
		timeout: defaultTimeout,
		dial:    defaultDial,
		owned:   make(map[uuid.UUID][]agentkey.Identity),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled implements Agent.Enabled.
func (c *Client) Enabled() bool {
	return c.enabled && c.socket != ""
}

// Socket returns the agent socket path.
func (c *Client) Socket() string {
	return c.socket
}

func (c *Client) connectLocked() (agent.ExtendedAgent, error) {
	if c.agent != nil {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("set agent deadline: %w", err)
		}
		return c.agent, nil
	}
	if !c.Enabled() {
		return nil, keyerrors.New(keyerrors.KindAgentDisabled, "connect_agent", nil)
	}
	conn, err := c.dial(c.socket, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to agent at %s: %w", c.socket, err)
	}
	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set agent deadline: %w", err)
	}
	c.conn = conn
	c.agent = agent.NewClient(conn)
	log.Debug().Str("socket", c.socket).Msg("Connected to SSH agent")
	return c.agent, nil
}

// AddIdentity implements Agent.AddIdentity.
func (c *Client) AddIdentity(id agentkey.Identity, owner uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ag, err := c.connectLocked()
	if err == nil {
		err = ag.Add(id.AddedKey())
	}
	if err != nil {
		return c.failLocked(keyerrors.New(keyerrors.KindAddIdentityFailed, "add_identity", err).WithPath(id.EntryPath), err)
	}

	if !c.tracksLocked(owner, id) {
		c.owned[owner] = append(c.owned[owner], id)
	}
	c.lastErr = ""
	log.Debug().
		Str("entry", id.EntryPath).
		Str("fingerprint", id.Fingerprint()).
		Str("owner", owner.String()).
		Msg("Added identity to SSH agent")
	return nil
}

// tracksLocked reports whether owner already tracks a key equal to id's.
// The agent holds one copy per public key, so entries sharing a key collapse.
func (c *Client) tracksLocked(owner uuid.UUID, id agentkey.Identity) bool {
	want := id.PublicKey.Marshal()
	for _, tracked := range c.owned[owner] {
		if bytes.Equal(tracked.PublicKey.Marshal(), want) {
			return true
		}
	}
	return false
}

// RemoveIdentities implements Agent.RemoveIdentities.
func (c *Client) RemoveIdentities(owner uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.owned[owner]
	if len(ids) == 0 {
		return nil
	}

	ag, err := c.connectLocked()
	if err != nil {
		return c.failLocked(keyerrors.New(keyerrors.KindRemovalFailed, "remove_identities", err), err)
	}

	var (
		errs      []error
		remaining []agentkey.Identity
	)
	for _, id := range ids {
		if err := ag.Remove(id.PublicKey); err != nil {
			errs = append(errs, keyerrors.New(keyerrors.KindRemovalFailed, "remove_identity", err).WithPath(id.EntryPath))
			remaining = append(remaining, id)
			continue
		}
		log.Debug().
			Str("entry", id.EntryPath).
			Str("fingerprint", id.Fingerprint()).
			Msg("Removed identity from SSH agent")
	}

	if len(remaining) == 0 {
		delete(c.owned, owner)
	} else {
		c.owned[owner] = remaining
	}
	if len(errs) > 0 {
		joined := keyerrors.Join(errs...)
		return c.failLocked(joined, joined)
	}
	return nil
}

// Owned implements Agent.Owned.
func (c *Client) Owned(owner uuid.UUID) []agentkey.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]agentkey.Identity(nil), c.owned[owner]...)
}

// ErrorString implements Agent.ErrorString.
func (c *Client) ErrorString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// List returns the identities currently held by the agent.
func (c *Client) List() ([]*agent.Key, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ag, err := c.connectLocked()
	if err != nil {
		return nil, err
	}
	keys, err := ag.List()
	if err != nil {
		return nil, fmt.Errorf("list agent identities: %w", err)
	}
	return keys, nil
}

// Holds reports whether the agent currently lists id's public key.
func (c *Client) Holds(id agentkey.Identity) (bool, error) {
	keys, err := c.List()
	if err != nil {
		return false, err
	}
	want := id.PublicKey.Marshal()
	for _, k := range keys {
		if bytes.Equal(k.Marshal(), want) {
			return true, nil
		}
	}
	return false, nil
}

// Close drops the agent connection. Tracked identities are not removed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.agent = nil
	return err
}

// failLocked records cause as the agent's error text and notifies the handler with err.
func (c *Client) failLocked(err, cause error) error {
	c.lastErr = cause.Error()
	if c.onError != nil {
		c.onError(err)
	}
	return err
}
