// Package auth resolves bearer credentials to tenant principals. Two token
// shapes are accepted: long-lived API tokens from configuration, and
// one-shot exchange tokens minted for browser push connections (an edge
// proxy trades an API token for one so the browser never holds the real
// credential).
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/crewhall/crewhall/internal/orcerr"
	"github.com/crewhall/crewhall/internal/store"
)

// Principal is the authenticated caller identity. The orchestrator only
// cares about tenancy; finer-grained authorization lives at the edge.
type Principal struct {
	TenantID string
}

// Verifier validates credentials. Implementations must be safe for
// concurrent use.
type Verifier interface {
	// VerifyToken resolves a bearer token (API or exchange) to a principal.
	VerifyToken(ctx context.Context, token string) (Principal, error)
	// MintExchange issues a one-shot push token for the principal.
	MintExchange(ctx context.Context, p Principal) (string, error)
}

// TokenVerifier checks static API tokens first, then falls back to the
// one-shot exchange store.
type TokenVerifier struct {
	tokens map[string]string // token -> tenant id
	store  store.TokenStore  // may be nil (API tokens only)
	ttl    time.Duration
}

// New builds a verifier. tokens maps API token to tenant id; ts may be nil
// to disable exchange tokens.
func New(tokens map[string]string, ts store.TokenStore, ttl time.Duration) *TokenVerifier {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &TokenVerifier{tokens: cp, store: ts, ttl: ttl}
}

func (v *TokenVerifier) VerifyToken(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, orcerr.New(orcerr.KindValidation, "missing token")
	}
	// Constant-time scan over the static set; the map is small.
	for candidate, tenant := range v.tokens {
		if len(candidate) == len(token) &&
			subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return Principal{TenantID: tenant}, nil
		}
	}
	if v.store != nil {
		tenant, err := v.store.TakeExchange(ctx, token)
		if err == nil {
			return Principal{TenantID: tenant}, nil
		}
	}
	return Principal{}, orcerr.New(orcerr.KindNotFound, "unknown token")
}

func (v *TokenVerifier) MintExchange(ctx context.Context, p Principal) (string, error) {
	if v.store == nil {
		return "", orcerr.New(orcerr.KindConflict, "exchange tokens disabled")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", orcerr.Wrap(orcerr.KindInternal, err, "mint token")
	}
	token := hex.EncodeToString(buf)
	if err := v.store.PutExchange(ctx, token, p.TenantID, time.Now().Add(v.ttl)); err != nil {
		return "", err
	}
	return token, nil
}

var _ Verifier = (*TokenVerifier)(nil)
