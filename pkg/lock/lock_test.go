package lock

import "testing"

func TestRandomTokenFormat(t *testing.T) {
	tok, err := randomToken()
	if err != nil {
		t.Fatalf("randomToken() error = %v", err)
	}
	if len(tok) != 16 {
		t.Errorf("randomToken() length = %d, want 16", len(tok))
	}
	for _, r := range tok {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			t.Errorf("randomToken() contains non-hex rune %q", r)
		}
	}
}

func TestRandomTokenUnique(t *testing.T) {
	a, err := randomToken()
	if err != nil {
		t.Fatalf("randomToken() error = %v", err)
	}
	b, err := randomToken()
	if err != nil {
		t.Fatalf("randomToken() error = %v", err)
	}
	if a == b {
		t.Error("randomToken() produced the same token twice")
	}
}

func TestKeyPrefix(t *testing.T) {
	h := &Handle{name: "ci-web", token: "abc"}
	if got := keyPrefix + h.name; got != "lock:ci-web" {
		t.Errorf("lock key = %q, want lock:ci-web", got)
	}
}
