// Package session owns the authentication state of the UI: who is signed in
// and with which token. A Store is the single writer of that state and mirrors
// it to a persisted KV so it survives restarts.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"taskflow/domain"
)

var (
	// ErrEmptyCredentials is returned by Login when the token or name is empty.
	ErrEmptyCredentials = errors.New("token and name are required")
	// ErrStoreUnavailable wraps persisted store failures. It is only logged;
	// callers never see it.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

const (
	defaultKeyPrefix = "session:"
	tokenKey         = "token"
	usernameKey      = "username"
)

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix namespaces the persisted keys.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithLogger sets the logger used for store failures.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store is the process-wide session holder. Create one with New, call
// Initialize before serving protected views, and Close on shutdown.
type Store struct {
	kv     KV
	prefix string
	logger *log.Logger

	initOnce sync.Once

	// writeMu serialises transitions together with their notifications so
	// every subscriber sees them in the same order.
	writeMu sync.Mutex

	mu      sync.RWMutex
	current domain.Session
	subs    map[uint64]func(domain.Session)
	nextSub uint64
}

// New creates a Store backed by kv. The store starts anonymous.
func New(kv KV, opts ...Option) *Store {
	if kv == nil {
		panic("session.New: kv is nil")
	}
	s := &Store{
		kv:     kv,
		prefix: defaultKeyPrefix,
		logger: log.StandardLogger(),
		subs:   make(map[uint64]func(domain.Session)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) tokenKey() string    { return s.prefix + tokenKey }
func (s *Store) usernameKey() string { return s.prefix + usernameKey }

// Initialize reads the persisted pair once. Both values present yields an
// authenticated session; anything else, including read failures, yields the
// anonymous session. Later calls return the current session.
func (s *Store) Initialize(ctx context.Context) domain.Session {
	s.initOnce.Do(func() {
		token := s.read(ctx, s.tokenKey())
		name := s.read(ctx, s.usernameKey())
		restored := domain.NewSession(token, name)

		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		s.publish(restored)
		s.logger.WithField("state", restored.State().String()).Debug("session initialized")
	})
	return s.Current()
}

func (s *Store) read(ctx context.Context, key string) string {
	v, err := s.kvValue(ctx, key)
	if err != nil {
		s.logger.WithError(fmt.Errorf("%w: get %s: %v", ErrStoreUnavailable, key, err)).Warn("session read failed; treating as absent")
		return ""
	}
	return v
}

// Login persists token and name and switches to the authenticated state.
// A failed write is logged and the in-memory transition still happens.
func (s *Store) Login(ctx context.Context, token, name string) error {
	if token == "" || name == "" {
		return ErrEmptyCredentials
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.kv.SetPair(ctx, map[string]string{
		s.tokenKey():    token,
		s.usernameKey(): name,
	})
	if err != nil {
		s.logger.WithError(fmt.Errorf("%w: %v", ErrStoreUnavailable, err)).Warn("session write failed; login will not survive restart")
	}
	s.publish(domain.NewSession(token, name))
	s.logger.WithField("user", name).Info("session login")
	return nil
}

// Logout removes the persisted pair and switches to the anonymous state.
func (s *Store) Logout(ctx context.Context) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.kv.Remove(ctx, s.tokenKey(), s.usernameKey()); err != nil {
		s.logger.WithError(fmt.Errorf("%w: %v", ErrStoreUnavailable, err)).Warn("session remove failed")
	}
	prev := s.Current()
	s.publish(domain.Session{})
	if prev.Authenticated() {
		s.logger.WithField("user", prev.Username()).Info("session logout")
	}
}

// Reload re-reads the persisted pair and publishes it when it differs from
// the held session. It is how logins made by another process sharing the KV
// reach this one; unlike Initialize it runs every time it is called.
func (s *Store) Reload(ctx context.Context) domain.Session {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	token, tokenErr := s.kvValue(ctx, s.tokenKey())
	name, nameErr := s.kvValue(ctx, s.usernameKey())
	if tokenErr != nil || nameErr != nil {
		s.logger.WithError(fmt.Errorf("%w: %v", ErrStoreUnavailable, errors.Join(tokenErr, nameErr))).Warn("session reload failed; keeping current session")
		return s.Current()
	}

	next := domain.NewSession(token, name)
	prev := s.Current()
	if prev.Token == next.Token && prev.Username() == next.Username() {
		return prev
	}
	s.publish(next)
	s.logger.WithFields(log.Fields{"state": next.State().String(), "user": next.Username()}).Info("session changed elsewhere")
	return s.Current()
}

func (s *Store) kvValue(ctx context.Context, key string) (string, error) {
	v, ok, err := s.kv.Get(ctx, key)
	if err != nil || !ok {
		return "", err
	}
	return v, nil
}

// Current returns a copy of the current session.
func (s *Store) Current() domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySession(s.current)
}

// IsAuthenticated reports whether a token is held.
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Authenticated()
}

// Subscribe registers fn to receive every session transition. fn runs on the
// goroutine performing the transition and must not call Login or Logout.
func (s *Store) Subscribe(fn func(domain.Session)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Close drops all subscribers.
func (s *Store) Close() {
	s.mu.Lock()
	s.subs = make(map[uint64]func(domain.Session))
	s.mu.Unlock()
}

// publish swaps the session and notifies subscribers. Callers hold writeMu.
func (s *Store) publish(next domain.Session) {
	s.mu.Lock()
	s.current = next
	subs := make([]func(domain.Session), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(copySession(next))
	}
}

func copySession(in domain.Session) domain.Session {
	out := domain.Session{Token: in.Token}
	if in.Identity != nil {
		id := *in.Identity
		out.Identity = &id
	}
	return out
}
