// Package catalog persists challenge definitions and tags in Postgres and
// serves them through a write-through Redis cache.
package catalog

import (
	"encoding/json"
	"errors"
	"sort"
)

// ErrDuplicateID is returned by Create when the challenge id already exists
// and ReplaceExisting was not set.
var ErrDuplicateID = errors.New("catalog: duplicate challenge id")

// ErrNotFound is returned when a challenge id has no matching row.
var ErrNotFound = errors.New("catalog: challenge not found")

// ErrInvalidConfig is returned when lifetime/boot_time bounds are violated.
var ErrInvalidConfig = errors.New("catalog: invalid challenge config")

// Metadata holds the free-form display fields for a challenge.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Author      string `json:"author"`
}

// Challenge is a persisted challenge definition.
type Challenge struct {
	ID       string          `json:"id"`
	PerTeam  bool            `json:"per_team"`
	Cfg      json.RawMessage `json:"cfg"`
	Lifetime int64           `json:"lifetime"`
	BootTime int64           `json:"boot_time"`
	Metadata Metadata        `json:"metadata"`
}

// Tag is owned by its challenge and deleted with it.
type Tag struct {
	ChallengeID string `json:"challenge_id"`
	Name        string `json:"name"`
	IsCategory  bool   `json:"is_category"`
}

// ChallengeInfo bundles a challenge definition with its tags, pre-split
// into categories and plain tags (category tags first, then alphabetical
// within each class) so the frontend tag cloud doesn't need to re-derive
// the split.
type ChallengeInfo struct {
	Challenge  Challenge `json:"challenge"`
	Categories []string  `json:"categories"`
	Tags       []string  `json:"tags"`
}

// validateBounds enforces boot_time < lifetime at the catalog layer in
// addition to the upload-time schema check, so a programmatic caller that
// bypasses the HTTP boundary can't corrupt the row.
func validateBounds(lifetime, bootTime int64) error {
	if lifetime <= 0 {
		return errors.New("catalog: lifetime must be positive")
	}
	if bootTime < 0 || bootTime >= lifetime {
		return errors.New("catalog: boot_time must be non-negative and less than lifetime")
	}
	return nil
}

// splitTags sorts tags (category first, then alphabetical within class) and
// splits into the two display lists used by ChallengeInfo.
func splitTags(tags []Tag) (categories, plain []string) {
	sorted := make([]Tag, len(tags))
	copy(sorted, tags)
	sortTags(sorted)

	for _, t := range sorted {
		if t.IsCategory {
			categories = append(categories, t.Name)
		} else {
			plain = append(plain, t.Name)
		}
	}
	return categories, plain
}

// sortTags orders category tags before non-category tags, alphabetically
// within each class.
func sortTags(tags []Tag) {
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].IsCategory != tags[j].IsCategory {
			return tags[i].IsCategory
		}
		return tags[i].Name < tags[j].Name
	})
}
