// ABOUTME: Identity and identity-provider abstractions used by the chat core
// ABOUTME: A nil Identity means the session is unauthenticated

package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Identity is a signed-in account that can produce bearer credentials.
type Identity interface {
	// Subject is the stable account id used to partition stored data.
	Subject() string
	// Token returns a bearer credential for backend requests.
	Token(ctx context.Context) (string, error)
}

// Provider reports the current identity, or nil when nobody is signed in.
type Provider interface {
	Current() Identity
}

// Owner returns the storage owner for id: its subject, or "" when unauthenticated.
func Owner(id Identity) string {
	if id == nil {
		return ""
	}
	return id.Subject()
}

// refreshMargin is how long before expiry a cached token is replaced.
const refreshMargin = 30 * time.Second

// JWTIdentity mints tokens for a fixed subject and caches them until they
// are close to expiry.
type JWTIdentity struct {
	subject string
	signer  *Signer
	ttl     time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewJWTIdentity creates an identity for subject signed by signer.
func NewJWTIdentity(subject string, signer *Signer, ttl time.Duration) *JWTIdentity {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWTIdentity{subject: subject, signer: signer, ttl: ttl}
}

func (j *JWTIdentity) Subject() string { return j.subject }

// Token returns the cached token or mints a fresh one.
func (j *JWTIdentity) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.token != "" && j.signer.now().Add(refreshMargin).Before(j.expires) {
		return j.token, nil
	}
	token, exp, err := j.signer.Generate(j.subject, j.ttl)
	if err != nil {
		return "", err
	}
	j.token, j.expires = token, exp
	return token, nil
}

// StaticProvider holds the current identity and lets callers sign in and out.
type StaticProvider struct {
	current atomic.Pointer[identityBox]
}

type identityBox struct{ id Identity }

// NewStaticProvider creates a provider with an initial identity (nil for anonymous).
func NewStaticProvider(id Identity) *StaticProvider {
	p := &StaticProvider{}
	p.Set(id)
	return p
}

// Current returns the signed-in identity or nil.
func (p *StaticProvider) Current() Identity {
	box := p.current.Load()
	if box == nil {
		return nil
	}
	return box.id
}

// Set replaces the current identity; nil signs out.
func (p *StaticProvider) Set(id Identity) {
	p.current.Store(&identityBox{id: id})
}
