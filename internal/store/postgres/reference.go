package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ReferenceCategory names a column of the reference_data table. Subjects
// drive AdaptiveScheduler's per-term enumeration when no live Subjects
// metadata call is wanted.
type ReferenceCategory string

const (
	CategorySubject             ReferenceCategory = "subject"
	CategoryCampus              ReferenceCategory = "campus"
	CategoryInstructionalMethod ReferenceCategory = "instructional_method"
	CategoryPartOfTerm          ReferenceCategory = "part_of_term"
	CategoryAttribute           ReferenceCategory = "attribute"
)

// ReferenceStore is an in-process read-through cache over the
// reference_data table, reloaded at startup and on explicit Refresh.
// Reads never touch the database once warm.
type ReferenceStore struct {
	pool *pgxpool.Pool

	mu    sync.RWMutex
	cache map[ReferenceCategory]map[string]string
}

func NewReferenceStore(pool *pgxpool.Pool) *ReferenceStore {
	return &ReferenceStore{pool: pool, cache: make(map[ReferenceCategory]map[string]string)}
}

// Refresh reloads the entire cache from the database. Call at startup and
// whenever an operator wants a manual refresh.
func (s *ReferenceStore) Refresh(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT category, code, description FROM reference_data`)
	if err != nil {
		return fmt.Errorf("refresh reference cache: %w", err)
	}
	defer rows.Close()

	next := make(map[ReferenceCategory]map[string]string)
	for rows.Next() {
		var category, code, description string
		if err := rows.Scan(&category, &code, &description); err != nil {
			return err
		}
		cat := ReferenceCategory(category)
		if next[cat] == nil {
			next[cat] = make(map[string]string)
		}
		next[cat][code] = description
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache = next
	s.mu.Unlock()
	return nil
}

// Describe returns the human-readable description for (category, code),
// or ("", false) if unknown.
func (s *ReferenceStore) Describe(category ReferenceCategory, code string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.cache[category]
	if !ok {
		return "", false
	}
	v, ok := m[code]
	return v, ok
}

// Codes lists every known code for category, used by AdaptiveScheduler to
// enumerate subjects per term without a live Subjects metadata call.
func (s *ReferenceStore) Codes(category ReferenceCategory) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.cache[category]
	codes := make([]string, 0, len(m))
	for code := range m {
		codes = append(codes, code)
	}
	return codes
}

// Upsert writes or updates a single (category, code) -> description row
// and refreshes it in the live cache, used when a metadata call discovers
// a subject/campus/etc the cache doesn't have yet.
func (s *ReferenceStore) Upsert(ctx context.Context, category ReferenceCategory, code, description string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reference_data (category, code, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (category, code) DO UPDATE SET description = EXCLUDED.description`,
		string(category), code, description)
	if err != nil {
		return fmt.Errorf("upsert reference %s/%s: %w", category, code, err)
	}

	s.mu.Lock()
	if s.cache[category] == nil {
		s.cache[category] = make(map[string]string)
	}
	s.cache[category][code] = description
	s.mu.Unlock()
	return nil
}
