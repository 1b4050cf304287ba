package revocation

import (
	"context"
	"sync"
	"time"

	"github.com/osvaldoandrade/ramguard/pkg/auth"
)

// Memory is a process-local Store. Entries are pruned lazily.
type Memory struct {
	mu          sync.Mutex
	tokens      map[string]time.Time // jti -> expiry
	subjects    map[string]subjectCutoff
	maxLifetime time.Duration
	now         func() time.Time
}

type subjectCutoff struct {
	before  time.Time
	expires time.Time
}

func NewMemory(maxLifetime time.Duration) *Memory {
	if maxLifetime <= 0 {
		maxLifetime = DefaultMaxTokenLifetime
	}
	return &Memory{
		tokens:      make(map[string]time.Time),
		subjects:    make(map[string]subjectCutoff),
		maxLifetime: maxLifetime,
		now:         time.Now,
	}
}

func (m *Memory) IsRevoked(_ context.Context, claims *auth.Claims) (bool, error) {
	if claims == nil {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.prune(now)

	if claims.ID != "" {
		if _, ok := m.tokens[claims.ID]; ok {
			return true, nil
		}
	}
	if sc, ok := m.subjects[claims.Subject]; ok && claims.Subject != "" {
		return revokedBySubject(claims, sc.before), nil
	}
	return false, nil
}

func (m *Memory) Revoke(ctx context.Context, claims *auth.Claims) error {
	if claims == nil {
		return ErrNoTokenID
	}
	if claims.ID == "" {
		if claims.IssuedAt.IsZero() {
			return ErrNoTokenID
		}
		return m.RevokeSubject(ctx, claims.Subject, claims.IssuedAt)
	}
	now := m.now()
	ttl := tokenTTL(claims, now, m.maxLifetime)
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	m.tokens[claims.ID] = now.Add(ttl)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RevokeSubject(_ context.Context, subject string, before time.Time) error {
	if subject == "" {
		return ErrNoTokenID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects[subject] = subjectCutoff{before: before, expires: m.now().Add(m.maxLifetime)}
	return nil
}

func (m *Memory) prune(now time.Time) {
	for id, exp := range m.tokens {
		if !exp.After(now) {
			delete(m.tokens, id)
		}
	}
	for sub, sc := range m.subjects {
		if !sc.expires.After(now) {
			delete(m.subjects, sub)
		}
	}
}
