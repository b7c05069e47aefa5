// Package auth is the boundary to the session collaborator that owns the
// access credential. The engine only reads tokens and reacts to invalidation.
package auth

import (
	"context"
	"errors"
	"sync"
)

// ErrNoCredential is returned while no credential is available.
var ErrNoCredential = errors.New("auth: no credential")

// TokenSource yields the current access credential for channel and REST calls.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Static is a fixed token, used by the tail client and tests.
type Static string

func (s Static) AccessToken(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoCredential
	}
	return string(s), nil
}

// Holder is a swappable TokenSource. Set replaces the credential and wakes any
// listener registered with OnChange, which is how a refreshed credential
// reaches the ConnectionManager.
type Holder struct {
	mu        sync.RWMutex
	token     string
	listeners []func(valid bool)
}

func NewHolder(token string) *Holder { return &Holder{token: token} }

func (h *Holder) AccessToken(context.Context) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.token == "" {
		return "", ErrNoCredential
	}
	return h.token, nil
}

// Set installs a fresh credential.
func (h *Holder) Set(token string) {
	h.mu.Lock()
	h.token = token
	ls := append([]func(bool){}, h.listeners...)
	h.mu.Unlock()
	for _, fn := range ls {
		fn(token != "")
	}
}

// Invalidate drops the credential, signalling listeners with valid=false.
func (h *Holder) Invalidate() { h.Set("") }

// OnChange registers fn for credential changes.
func (h *Holder) OnChange(fn func(valid bool)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}
