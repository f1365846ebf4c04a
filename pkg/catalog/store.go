package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const challengeColumns = `id, per_team, cfg, lifetime, boot_time, meta_name, meta_description, meta_author`

// Store provides the Postgres-backed operations for challenge definitions
// and tags.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create writes the challenge row and bulk-inserts its tags in one
// transaction. If replaceExisting is true, any existing row with the same id
// (and its tags, cascade-deleted) is removed first within the same
// transaction.
func (s *Store) Create(ctx context.Context, c Challenge, tags []Tag, replaceExisting bool) error {
	if err := validateBounds(c.Lifetime, c.BootTime); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// A failed statement aborts a Postgres transaction, so the old row has to
	// go before the insert rather than after a unique violation.
	if replaceExisting {
		if _, delErr := tx.Exec(ctx, `DELETE FROM challenges WHERE id = $1`, c.ID); delErr != nil {
			return fmt.Errorf("deleting existing challenge %q: %w", c.ID, delErr)
		}
	}
	if err := insertChallenge(ctx, tx, c); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("creating challenge %q: %w", c.ID, err)
	}

	if err := insertTags(ctx, tx, c.ID, tags); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing create transaction: %w", err)
	}
	return nil
}

func insertChallenge(ctx context.Context, tx pgx.Tx, c Challenge) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO challenges (`+challengeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.PerTeam, []byte(c.Cfg), c.Lifetime, c.BootTime,
		c.Metadata.Name, c.Metadata.Description, c.Metadata.Author)
	return err
}

func insertTags(ctx context.Context, tx pgx.Tx, challengeID string, tags []Tag) error {
	for _, t := range tags {
		if _, err := tx.Exec(ctx, `
			INSERT INTO challenge_tags (challenge_id, name, is_category)
			VALUES ($1, $2, $3)
		`, challengeID, t.Name, t.IsCategory); err != nil {
			return fmt.Errorf("inserting tag %q for %q: %w", t.Name, challengeID, err)
		}
	}
	return nil
}

// Fetch reads a single challenge row. Returns ErrNotFound if id is unknown.
func (s *Store) Fetch(ctx context.Context, id string) (Challenge, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id)
	return scanChallenge(row)
}

// FetchTags returns tags for a challenge, ordered category-first then
// alphabetical.
func (s *Store) FetchTags(ctx context.Context, id string) ([]Tag, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT challenge_id, name, is_category FROM challenge_tags
		WHERE challenge_id = $1
		ORDER BY is_category DESC, name ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying tags for %q: %w", id, err)
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ChallengeID, &t.Name, &t.IsCategory); err != nil {
			return nil, fmt.Errorf("scanning tag row: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// FetchAllIDs returns every challenge id in the catalog.
func (s *Store) FetchAllIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM challenges`)
	if err != nil {
		return nil, fmt.Errorf("querying challenge ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning challenge id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Update mutates lifetime, metadata, and boot_time on an existing row. It
// does not change cfg or per_team; changing those requires delete+recreate.
func (s *Store) Update(ctx context.Context, id string, lifetime, bootTime int64, meta Metadata) error {
	if err := validateBounds(lifetime, bootTime); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE challenges
		SET lifetime = $2, boot_time = $3, meta_name = $4, meta_description = $5, meta_author = $6
		WHERE id = $1
	`, id, lifetime, bootTime, meta.Name, meta.Description, meta.Author)
	if err != nil {
		return fmt.Errorf("updating challenge %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the challenge row; its tags go with it through the
// ON DELETE CASCADE foreign key. Returns whether a row was removed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM challenges WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("deleting challenge %q: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReplaceTags atomically deletes all existing tags for id and bulk-inserts
// newTags within a single transaction.
func (s *Store) ReplaceTags(ctx context.Context, id string, newTags []Tag) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM challenge_tags WHERE challenge_id = $1`, id); err != nil {
		return fmt.Errorf("clearing tags for %q: %w", id, err)
	}

	if err := insertTags(ctx, tx, id, newTags); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing tag replace: %w", err)
	}
	return nil
}

func scanChallenge(row pgx.Row) (Challenge, error) {
	var c Challenge
	var cfg []byte
	err := row.Scan(&c.ID, &c.PerTeam, &cfg, &c.Lifetime, &c.BootTime,
		&c.Metadata.Name, &c.Metadata.Description, &c.Metadata.Author)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Challenge{}, ErrNotFound
		}
		return Challenge{}, fmt.Errorf("scanning challenge row: %w", err)
	}
	c.Cfg = json.RawMessage(cfg)
	return c, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
