package postgres

import (
	"context"
	"fmt"

	"github.com/catalogmirror/banner-scrape/internal/domain"
	"github.com/catalogmirror/banner-scrape/internal/term"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TermStore persists Term rows and backs the term-sync job. Terms are
// discovered by sync; exactly one newly-discovered term per sync
// auto-enables (the one with the highest code), and existing rows never
// have scrape_enabled flipped by sync.
type TermStore struct {
	pool *pgxpool.Pool
}

func NewTermStore(pool *pgxpool.Pool) *TermStore { return &TermStore{pool: pool} }

// EnabledTermCodes lists every term code with scrape_enabled = true and
// is_archived = false, consumed directly by the AdaptiveScheduler.
func (s *TermStore) EnabledTermCodes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT code FROM terms WHERE scrape_enabled AND NOT is_archived`)
	if err != nil {
		return nil, fmt.Errorf("enabled term codes: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// SyncTerms reconciles the discovered upstream term list against the terms
// table: inserts any code not already present, leaves scrape_enabled alone
// on existing rows, and auto-enables exactly the single highest new code
// inserted this call. Returns the codes inserted.
func (s *TermStore) SyncTerms(ctx context.Context, discovered []domain.Term) ([]string, error) {
	if len(discovered) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin sync terms: %w", err)
	}
	defer tx.Rollback(ctx)

	existing := make(map[string]bool)
	rows, err := tx.Query(ctx, `SELECT code FROM terms`)
	if err != nil {
		return nil, fmt.Errorf("load existing terms: %w", err)
	}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			rows.Close()
			return nil, err
		}
		existing[code] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var inserted []string
	highest := ""
	for _, t := range discovered {
		if existing[t.Code] {
			continue
		}
		inserted = append(inserted, t.Code)
		if highest == "" || term.IsNewer(t.Code, highest) {
			highest = t.Code
		}
	}

	for _, t := range discovered {
		if existing[t.Code] {
			continue
		}
		enable := t.Code == highest
		if _, err := tx.Exec(ctx, `
			INSERT INTO terms (code, year, season, scrape_enabled, is_archived)
			VALUES ($1, $2, $3, $4, false)
			ON CONFLICT (code) DO NOTHING`,
			t.Code, term.Year(t.Code), term.Season(t.Code), enable); err != nil {
			return nil, fmt.Errorf("insert term %s: %w", t.Code, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit sync terms: %w", err)
	}
	return inserted, nil
}

// SetScrapeEnabled lets an admin mutate the flag explicitly; sync itself
// never touches an existing row's flag.
func (s *TermStore) SetScrapeEnabled(ctx context.Context, code string, enabled bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE terms SET scrape_enabled = $2 WHERE code = $1`, code, enabled)
	return err
}
