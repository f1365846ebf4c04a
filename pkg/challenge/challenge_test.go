package challenge

import (
	"strings"
	"testing"

	"github.com/acmcyber/instancer/pkg/catalog"
	"github.com/acmcyber/instancer/pkg/translator"
)

func TestNamespaceShared(t *testing.T) {
	m := Model{Challenge: catalog.Challenge{ID: "web", PerTeam: false}}
	if got, want := m.Namespace(), "ci-web"; got != want {
		t.Errorf("Namespace() = %q, want %q", got, want)
	}
}

func TestNamespacePerTeam(t *testing.T) {
	m := Model{
		Challenge: catalog.Challenge{ID: "pwn", PerTeam: true},
		TeamID:    "a1b2c3d4-e5f6-7788-99aa-bbccddeeff00",
	}
	got := m.Namespace()
	if strings.Contains(got, "-") == false {
		t.Fatalf("Namespace() = %q, expected some hyphens from id/prefix", got)
	}
	if strings.Contains(got, "a1b2c3d4e5f6778899aabbccddeeff00") == false {
		t.Errorf("Namespace() = %q, want compacted team id embedded", got)
	}
}

func TestNamespaceDeterministic(t *testing.T) {
	m := Model{Challenge: catalog.Challenge{ID: "pwn", PerTeam: true}, TeamID: "team-1"}
	if m.Namespace() != m.Namespace() {
		t.Error("Namespace() not deterministic")
	}
}

func TestNamespaceLengthFallback(t *testing.T) {
	longID := strings.Repeat("x", 63)
	m := Model{
		Challenge: catalog.Challenge{ID: longID, PerTeam: true},
		TeamID:    "0123456789abcdef0123456789abcdef",
	}
	got := m.Namespace()
	if len(got) > maxNamespaceLength {
		t.Errorf("Namespace() length = %d, want <= %d", len(got), maxNamespaceLength)
	}
	if !strings.HasPrefix(got, "ci-") {
		t.Errorf("Namespace() = %q, want ci- prefix", got)
	}
}

func TestNamespaceChangesWithEitherInput(t *testing.T) {
	base := Model{Challenge: catalog.Challenge{ID: "pwn", PerTeam: true}, TeamID: "team-1"}
	diffID := Model{Challenge: catalog.Challenge{ID: "other", PerTeam: true}, TeamID: "team-1"}
	diffTeam := Model{Challenge: catalog.Challenge{ID: "pwn", PerTeam: true}, TeamID: "team-2"}

	if base.Namespace() == diffID.Namespace() {
		t.Error("changing id did not change namespace")
	}
	if base.Namespace() == diffTeam.Namespace() {
		t.Error("changing team_id did not change namespace")
	}
}

func TestRewriteHTTPRoutesShared(t *testing.T) {
	m := Model{Challenge: catalog.Challenge{ID: "web", PerTeam: false}}
	routes := []translator.HTTPRoute{{Port: 80, Host: "web.chals.example.com"}}
	got, err := m.RewriteHTTPRoutes(routes)
	if err != nil {
		t.Fatalf("RewriteHTTPRoutes() error = %v", err)
	}
	if got[0].Host != routes[0].Host {
		t.Errorf("shared RewriteHTTPRoutes() changed host: %q", got[0].Host)
	}
}

func TestRewriteHTTPRoutesPerTeam(t *testing.T) {
	m := Model{Challenge: catalog.Challenge{ID: "pwn", PerTeam: true}, TeamID: "team-1"}
	routes := []translator.HTTPRoute{{Port: 80, Host: "pwn.chals.example.com"}}
	got, err := m.RewriteHTTPRoutes(routes)
	if err != nil {
		t.Fatalf("RewriteHTTPRoutes() error = %v", err)
	}
	if !strings.HasSuffix(got[0].Host, ".chals.example.com") {
		t.Errorf("RewriteHTTPRoutes() = %q, want suffix preserved", got[0].Host)
	}
	label := strings.SplitN(got[0].Host, ".", 2)[0]
	if !strings.HasPrefix(label, "pwn-") {
		t.Fatalf("RewriteHTTPRoutes() label = %q, want pwn-<suffix>", label)
	}
	suffix := strings.TrimPrefix(label, "pwn-")
	if len(suffix) != hostSuffixLength {
		t.Errorf("RewriteHTTPRoutes() suffix = %q, want %d chars", suffix, hostSuffixLength)
	}
	for _, r := range suffix {
		if !strings.ContainsRune(hostSuffixAlphabet, r) {
			t.Errorf("RewriteHTTPRoutes() suffix contains %q outside the alphabet", r)
		}
	}
}

func TestRewriteHTTPRoutesSharedSuffix(t *testing.T) {
	m := Model{Challenge: catalog.Challenge{ID: "pwn", PerTeam: true}, TeamID: "team-1"}
	routes := []translator.HTTPRoute{
		{Port: 80, Host: "a.chals.example.com"},
		{Port: 8080, Host: "b.chals.example.com"},
	}
	got, err := m.RewriteHTTPRoutes(routes)
	if err != nil {
		t.Fatalf("RewriteHTTPRoutes() error = %v", err)
	}
	sufA := strings.TrimPrefix(strings.SplitN(got[0].Host, ".", 2)[0], "a-")
	sufB := strings.TrimPrefix(strings.SplitN(got[1].Host, ".", 2)[0], "b-")
	if sufA != sufB {
		t.Errorf("suffixes differ across routes of one rewrite: %q vs %q", sufA, sufB)
	}
}
