package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crewhall/crewhall/internal/orcerr"
)

type memTokens struct {
	mu sync.Mutex
	m  map[string]string
}

func (s *memTokens) PutExchange(_ context.Context, token, tenantID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]string)
	}
	s.m[token] = tenantID
	return nil
}

func (s *memTokens) TakeExchange(_ context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant, ok := s.m[token]
	if !ok {
		return "", orcerr.New(orcerr.KindNotFound, "token not found")
	}
	delete(s.m, token)
	return tenant, nil
}

func (s *memTokens) PruneExpired(context.Context, time.Time) error { return nil }

func TestVerifyAPIToken(t *testing.T) {
	v := New(map[string]string{"tok-acme": "acme", "tok-globex": "globex"}, nil, 0)

	p, err := v.VerifyToken(context.Background(), "tok-acme")
	if err != nil || p.TenantID != "acme" {
		t.Errorf("VerifyToken = (%+v, %v)", p, err)
	}
	if _, err := v.VerifyToken(context.Background(), "tok-nope"); err == nil {
		t.Error("unknown token accepted")
	}
	if _, err := v.VerifyToken(context.Background(), ""); orcerr.KindOf(err) != orcerr.KindValidation {
		t.Errorf("empty token kind = %v, want Validation", orcerr.KindOf(err))
	}
}

func TestExchangeTokenIsOneShot(t *testing.T) {
	v := New(map[string]string{"tok-acme": "acme"}, &memTokens{}, time.Minute)

	token, err := v.MintExchange(context.Background(), Principal{TenantID: "acme"})
	if err != nil {
		t.Fatalf("MintExchange: %v", err)
	}

	p, err := v.VerifyToken(context.Background(), token)
	if err != nil || p.TenantID != "acme" {
		t.Fatalf("first use = (%+v, %v)", p, err)
	}
	if _, err := v.VerifyToken(context.Background(), token); err == nil {
		t.Error("exchange token accepted twice")
	}
}

func TestMintWithoutStore(t *testing.T) {
	v := New(nil, nil, 0)
	if _, err := v.MintExchange(context.Background(), Principal{TenantID: "acme"}); orcerr.KindOf(err) != orcerr.KindConflict {
		t.Errorf("kind = %v, want Conflict", orcerr.KindOf(err))
	}
}
