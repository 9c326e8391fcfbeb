package admin

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTokenNotFound is returned for unknown token IDs.
var ErrTokenNotFound = errors.New("token not found")

// tokenPrefix marks generated admin tokens.
const tokenPrefix = "hgw-"

// Token is an admin API credential. Only a hash of the secret is kept; the
// secret itself is returned once, from Create.
type Token struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Scope     string     `json:"scope"`
	Secret    string     `json:"token,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	LastUsed  *time.Time `json:"last_used_at,omitempty"`
	Static    bool       `json:"static,omitempty"`

	hash [sha256.Size]byte
}

// TokenStore is an in-memory set of admin tokens.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*Token
	now    func() time.Time
}

// NewTokenStore creates an empty TokenStore.
func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: map[string]*Token{}, now: time.Now}
}

// AddStatic registers a fixed secret, such as ADMIN_TOKEN from the
// environment. Static tokens cannot be revoked through the API.
func (s *TokenStore) AddStatic(name, secret, scope string) error {
	if secret == "" {
		return fmt.Errorf("token %q: secret is empty", name)
	}
	if !validScope(scope) {
		return fmt.Errorf("token %q: unknown scope %q", name, scope)
	}
	t := &Token{
		ID:        uuid.NewString(),
		Name:      name,
		Scope:     scope,
		CreatedAt: s.now().UTC(),
		Static:    true,
		hash:      sha256.Sum256([]byte(secret)),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.ID] = t
	return nil
}

// Create generates a token. The returned copy carries the secret.
func (s *TokenStore) Create(name, scope string, expiresAt *time.Time) (*Token, error) {
	if scope == "" {
		scope = ScopeReadOnly
	}
	if !validScope(scope) {
		return nil, fmt.Errorf("unknown scope %q", scope)
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}
	secret := tokenPrefix + hex.EncodeToString(raw)

	t := &Token{
		ID:        uuid.NewString(),
		Name:      name,
		Scope:     scope,
		CreatedAt: s.now().UTC(),
		ExpiresAt: expiresAt,
		hash:      sha256.Sum256([]byte(secret)),
	}
	s.mu.Lock()
	s.tokens[t.ID] = t
	s.mu.Unlock()

	out := *t
	out.Secret = secret
	return &out, nil
}

// List returns every token, oldest first, without secrets.
func (s *TokenStore) List() []Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Revoke removes a generated token.
func (s *TokenStore) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return ErrTokenNotFound
	}
	if t.Static {
		return fmt.Errorf("token %q is configured statically", t.Name)
	}
	delete(s.tokens, id)
	return nil
}

// Validate returns the token matching secret when it exists and has not
// expired.
func (s *TokenStore) Validate(secret string) (Token, bool) {
	sum := sha256.Sum256([]byte(secret))
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if subtle.ConstantTimeCompare(sum[:], t.hash[:]) != 1 {
			continue
		}
		if t.ExpiresAt != nil && now.After(*t.ExpiresAt) {
			return Token{}, false
		}
		used := now.UTC()
		t.LastUsed = &used
		return *t, true
	}
	return Token{}, false
}

func validScope(scope string) bool {
	return scope == ScopeAdmin || scope == ScopeReadOnly
}
