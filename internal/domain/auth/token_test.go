package auth

import (
	"errors"
	"testing"
	"time"
)

func TestTokenVerifier_RoundTrip(t *testing.T) {
	t.Parallel()

	v := NewTokenVerifier([]byte("test-secret"))
	in := &User{Email: "a@x.com", Edition: EditionCloud, APIKey: "k1", BaseURL: "https://api", FrontendURL: "https://app"}

	token, err := v.Issue(in, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !LooksLikeJWT(token) {
		t.Errorf("LooksLikeJWT(%q) = false", token)
	}

	got, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.Email != in.Email || got.APIKey != in.APIKey || got.BaseURL != in.BaseURL {
		t.Errorf("Verify() = %+v, want %+v", got, in)
	}
	if got.SessionID != TokenSessionID("k1") || !IsTokenSessionID(got.SessionID) {
		t.Errorf("SessionID = %q, want token id for k1", got.SessionID)
	}
	if IsTokenSessionID("3f2c1a9e-0000-4000-8000-000000000000") {
		t.Error("IsTokenSessionID(uuid) = true, want false")
	}
}

func TestTokenVerifier_Rejects(t *testing.T) {
	t.Parallel()

	v := NewTokenVerifier([]byte("test-secret"))
	other := NewTokenVerifier([]byte("other-secret"))
	u := &User{Email: "a@x.com", Edition: EditionCloud, APIKey: "k1", BaseURL: "https://api"}

	expired, err := v.Issue(u, -time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := v.Verify(expired); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Verify(expired) error = %v, want ErrSessionExpired", err)
	}

	forged, err := other.Issue(u, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := v.Verify(forged); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Verify(forged) error = %v, want ErrUnauthenticated", err)
	}

	noKey, err := v.Issue(&User{Email: "a@x.com", BaseURL: "https://api"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := v.Verify(noKey); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(no apiKey) error = %v, want ErrInvalidToken", err)
	}

	if LooksLikeJWT("6f1c2f0e-3b1d-4a53-9b0b-2d6c1a2c8d11") {
		t.Error("LooksLikeJWT(uuid) = true")
	}
}
