package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/propbot/propbot/internal/opportunity"
	apperrors "github.com/propbot/propbot/pkg/errors"
)

// ActiveFilters returns the active capability filters.
func (s *Store) ActiveFilters(ctx context.Context) ([]opportunity.CapabilityFilter, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, filter_type, value, description, active
		 FROM capability_filters WHERE active ORDER BY filter_type, value`)
	if err != nil {
		return nil, apperrors.Storage("loading capability filters", err)
	}
	defer rows.Close()

	filters := make([]opportunity.CapabilityFilter, 0)
	for rows.Next() {
		var f opportunity.CapabilityFilter
		var ft string
		if err := rows.Scan(&f.ID, &ft, &f.Value, &f.Description, &f.Active); err != nil {
			return nil, apperrors.Storage("loading capability filters", err)
		}
		f.FilterType = opportunity.FilterType(ft)
		filters = append(filters, f)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("loading capability filters", err)
	}
	return filters, nil
}

// SeedFilters inserts filters that do not exist yet and returns how many
// were added. Existing rows, including deactivated ones, are left alone.
func (s *Store) SeedFilters(ctx context.Context, filters []opportunity.CapabilityFilter) (int, error) {
	added := 0
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO capability_filters (filter_type, value, description, active)
			 VALUES ($1, $2, $3, TRUE)
			 ON CONFLICT (filter_type, value) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, f := range filters {
			res, err := stmt.ExecContext(ctx, string(f.FilterType), f.Value, f.Description)
			if err != nil {
				return fmt.Errorf("seeding %s %q: %w", f.FilterType, f.Value, err)
			}
			n, _ := res.RowsAffected()
			added += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, apperrors.Storage("seeding capability filters", err)
	}
	return added, nil
}

// FilterCounts reports the number of active filters per type.
func (s *Store) FilterCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT filter_type, COUNT(*) FROM capability_filters WHERE active GROUP BY filter_type`)
	if err != nil {
		return nil, apperrors.Storage("counting capability filters", err)
	}
	defer rows.Close()

	counts := map[string]int{
		string(opportunity.FilterNAICS):   0,
		string(opportunity.FilterKeyword): 0,
	}
	for rows.Next() {
		var ft string
		var n int
		if err := rows.Scan(&ft, &n); err != nil {
			return nil, apperrors.Storage("counting capability filters", err)
		}
		counts[ft] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("counting capability filters", err)
	}
	return counts, nil
}
