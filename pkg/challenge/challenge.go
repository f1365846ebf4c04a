// Package challenge ties the catalog, translator, and engine together as
// the two challenge variants: shared (one namespace for all teams) and
// per-team (one namespace per requesting team, with randomized public
// hostnames).
package challenge

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/acmcyber/instancer/pkg/catalog"
	"github.com/acmcyber/instancer/pkg/engine"
	"github.com/acmcyber/instancer/pkg/translator"
)

// labelChallengeID tags every namespace and pod with the owning challenge,
// independent of the instance-id the translator assigns per container.
const labelChallengeID = translator.LabelPrefix + "challenge-id"

const maxNamespaceLength = 63

const hostSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
const hostSuffixLength = 5

// Model is a challenge definition bound to an optional team, exposing the
// namespace derivation and HTTP-host rewriting that differ between shared
// and per-team challenges. The engine is identical for both; only these
// two pure helpers vary.
type Model struct {
	Challenge catalog.Challenge
	TeamID    string // empty for shared challenges or admin operations
}

// IsShared reports whether this challenge serves every team from one
// namespace.
func (m Model) IsShared() bool {
	return !m.Challenge.PerTeam
}

// Namespace derives the cluster namespace name for this challenge/team
// pair. It is a pure function of (id, team_id).
func (m Model) Namespace() string {
	if m.IsShared() {
		return "ci-" + m.Challenge.ID
	}
	return deriveNamespace(m.Challenge.ID, m.TeamID)
}

func deriveNamespace(id, teamID string) string {
	compact := strings.ReplaceAll(teamID, "-", "")
	naive := fmt.Sprintf("ci-%s-t-%s", id, compact)
	if len(naive) <= maxNamespaceLength {
		return naive
	}

	sum := sha256.Sum256([]byte(naive))
	return "ci-" + hex.EncodeToString(sum[:])[:60]
}

// RewriteHTTPRoutes applies per-team hostname randomization: each
// (port, host) pair's leftmost DNS label gets a random 5-char
// lowercase-alphanumeric suffix appended, so team instances get
// unguessable public hostnames. Shared challenges return the routes
// unchanged. The same suffix is reused across every route passed in one
// call; each call draws a fresh suffix.
func (m Model) RewriteHTTPRoutes(routes []translator.HTTPRoute) ([]translator.HTTPRoute, error) {
	if m.IsShared() || len(routes) == 0 {
		return routes, nil
	}

	suffix, err := randomHostSuffix()
	if err != nil {
		return nil, fmt.Errorf("generating hostname suffix: %w", err)
	}

	rewritten := make([]translator.HTTPRoute, len(routes))
	for i, r := range routes {
		rewritten[i] = translator.HTTPRoute{Port: r.Port, Host: suffixFirstLabel(r.Host, suffix)}
	}
	return rewritten, nil
}

// rewriteConfigRoutes applies RewriteHTTPRoutes to each container's HTTP
// route list in place, one random suffix per container.
func (m Model) rewriteConfigRoutes(cfg *translator.Config) error {
	if m.IsShared() || len(cfg.HTTP) == 0 {
		return nil
	}
	for container, routes := range cfg.HTTP {
		rewritten, err := m.RewriteHTTPRoutes(routes)
		if err != nil {
			return fmt.Errorf("rewriting http routes for %q: %w", container, err)
		}
		cfg.HTTP[container] = rewritten
	}
	return nil
}

func suffixFirstLabel(host, suffix string) string {
	labels := strings.SplitN(host, ".", 2)
	labels[0] = labels[0] + "-" + suffix
	return strings.Join(labels, ".")
}

func randomHostSuffix() (string, error) {
	buf := make([]byte, hostSuffixLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, hostSuffixLength)
	for i, b := range buf {
		out[i] = hostSuffixAlphabet[int(b)%len(hostSuffixAlphabet)]
	}
	return string(out), nil
}

// commonLabels are the namespace/pod labels every container of this
// instance shares, regardless of variant; the translator layers its own
// instance-id/container-name/team-id labels on top per container.
func (m Model) commonLabels() map[string]string {
	return map[string]string{labelChallengeID: m.Challenge.ID}
}

// Start decodes the challenge's stored config, applies any per-team HTTP
// hostname rewriting, and creates or renews the instance through eng. It is
// the single entry point for both the "create" and "renew" cases; the
// engine itself decides which one applies.
func (m Model) Start(ctx context.Context, eng *engine.Engine) error {
	cfg, err := translator.DecodeConfig(m.Challenge.Cfg)
	if err != nil {
		return fmt.Errorf("decoding config for %q: %w", m.Challenge.ID, err)
	}
	if err := m.rewriteConfigRoutes(&cfg); err != nil {
		return err
	}

	// A shared namespace serves every team; it never carries the team-id
	// label or metadata field even when a specific team requested the start.
	teamID := ""
	if !m.IsShared() {
		teamID = m.TeamID
	}

	return eng.Start(ctx, engine.StartInput{
		Namespace:    m.Namespace(),
		InstanceID:   m.Challenge.ID,
		TeamID:       teamID,
		CommonLabels: m.commonLabels(),
		Cfg:          cfg,
		Lifetime:     time.Duration(m.Challenge.Lifetime) * time.Second,
	})
}

// Stop tears down this instance's namespace through eng.
func (m Model) Stop(ctx context.Context, eng *engine.Engine) error {
	return eng.Stop(ctx, m.Namespace())
}

// Status returns the live deployment status for this instance, or nil if it
// isn't currently running.
func (m Model) Status(ctx context.Context, eng *engine.Engine) (*engine.DeploymentStatus, error) {
	bootTime := m.Challenge.BootTime
	return eng.DeploymentStatus(ctx, m.Namespace(), &bootTime)
}
