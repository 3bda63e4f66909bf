package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/propbot/propbot/internal/opportunity"
	apperrors "github.com/propbot/propbot/pkg/errors"
)

// GetProfile returns the company profile or a NotFound error when none has
// been seeded.
func (s *Store) GetProfile(ctx context.Context) (*opportunity.CompanyProfile, error) {
	var raw []byte
	err := s.db.DB.QueryRowContext(ctx, `SELECT data FROM company_profile WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("company profile")
	}
	if err != nil {
		return nil, apperrors.Storage("loading company profile", err)
	}
	var p opportunity.CompanyProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperrors.Storage("decoding company profile", err)
	}
	return &p, nil
}

// SaveProfile replaces the company profile.
func (s *Store) SaveProfile(ctx context.Context, p *opportunity.CompanyProfile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding company profile: %w", err)
	}
	_, err = s.db.DB.ExecContext(ctx,
		`INSERT INTO company_profile (id, data, updated_at) VALUES (1, $1, NOW())
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`, raw)
	if err != nil {
		return apperrors.Storage("saving company profile", err)
	}
	return nil
}

// UpsertDocument records a fetched document, refreshing it when the same
// URL was fetched before.
func (s *Store) UpsertDocument(ctx context.Context, d *opportunity.Document) error {
	err := s.db.DB.QueryRowContext(ctx,
		`INSERT INTO opportunity_documents (
		    opportunity_id, document_type, filename, source_url, content_text, size_bytes, fetched_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (opportunity_id, source_url) DO UPDATE SET
		    document_type = EXCLUDED.document_type,
		    filename      = EXCLUDED.filename,
		    content_text  = EXCLUDED.content_text,
		    size_bytes    = EXCLUDED.size_bytes,
		    fetched_at    = NOW()
		 RETURNING fetched_at`,
		d.OpportunityID, d.DocumentType, d.Filename, d.SourceURL, d.ContentText, d.SizeBytes,
	).Scan(&d.FetchedAt)
	if err != nil {
		return apperrors.Storage("saving document "+d.SourceURL, err)
	}
	return nil
}

// Documents lists stored documents of an opportunity in fetch order.
func (s *Store) Documents(ctx context.Context, opportunityID string) ([]opportunity.Document, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT opportunity_id, document_type, filename, source_url, content_text, size_bytes, fetched_at
		 FROM opportunity_documents WHERE opportunity_id = $1 ORDER BY id`, opportunityID)
	if err != nil {
		return nil, apperrors.Storage("loading documents of "+opportunityID, err)
	}
	defer rows.Close()

	docs := make([]opportunity.Document, 0)
	for rows.Next() {
		var d opportunity.Document
		if err := rows.Scan(&d.OpportunityID, &d.DocumentType, &d.Filename, &d.SourceURL,
			&d.ContentText, &d.SizeBytes, &d.FetchedAt); err != nil {
			return nil, apperrors.Storage("loading documents of "+opportunityID, err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("loading documents of "+opportunityID, err)
	}
	return docs, nil
}
