package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/propbot/propbot/internal/opportunity"
	apperrors "github.com/propbot/propbot/pkg/errors"
)

const opportunityColumns = `opportunity_id, source, title, description, agency, deadline,
	funding_amount, naics_code, cfda_numbers, notice_type, url,
	matched_keywords, matched_naics, created_at, updated_at`

// upsertOpportunitySQL inserts or refreshes an opportunity in one statement.
// xmax is zero only for a freshly inserted row version, which tells insert
// from update without a separate read. A cached sam.gov description is kept
// when the feed sends the description link again.
const upsertOpportunitySQL = `
INSERT INTO opportunities (
    opportunity_id, source, title, description, agency, deadline,
    funding_amount, naics_code, cfda_numbers, notice_type, url,
    matched_keywords, matched_naics
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (opportunity_id) DO UPDATE SET
    source           = EXCLUDED.source,
    title            = EXCLUDED.title,
    description      = CASE
                           WHEN EXCLUDED.description LIKE 'https://api.sam.gov/%'
                            AND opportunities.description <> ''
                            AND opportunities.description NOT LIKE 'https://%'
                           THEN opportunities.description
                           ELSE EXCLUDED.description
                       END,
    agency           = EXCLUDED.agency,
    deadline         = EXCLUDED.deadline,
    funding_amount   = EXCLUDED.funding_amount,
    naics_code       = EXCLUDED.naics_code,
    cfda_numbers     = EXCLUDED.cfda_numbers,
    notice_type      = EXCLUDED.notice_type,
    url              = EXCLUDED.url,
    matched_keywords = EXCLUDED.matched_keywords,
    matched_naics    = EXCLUDED.matched_naics,
    updated_at       = NOW()
RETURNING (xmax = 0), created_at, updated_at`

// UpsertOpportunity inserts o or updates the existing row with the same
// opportunity_id, and reports which happened. CreatedAt and UpdatedAt on o
// are set from the stored row.
func (s *Store) UpsertOpportunity(ctx context.Context, o *opportunity.Opportunity) (opportunity.UpsertResult, error) {
	var deadline sql.NullTime
	if o.Deadline != nil {
		deadline = sql.NullTime{Time: o.Deadline.UTC(), Valid: true}
	}
	var funding sql.NullInt64
	if o.FundingAmount != nil {
		funding = sql.NullInt64{Int64: *o.FundingAmount, Valid: true}
	}

	var inserted bool
	err := s.db.DB.QueryRowContext(ctx, upsertOpportunitySQL,
		o.OpportunityID, string(o.Source), o.Title, o.Description, o.Agency, deadline,
		funding, o.NAICSCode, pq.Array(nonNil(o.CFDANumbers)), nullString(o.NoticeType), o.URL,
		pq.Array(nonNil(o.MatchedKeywords)), pq.Array(nonNil(o.MatchedNAICS)),
	).Scan(&inserted, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return 0, apperrors.Storage("upserting opportunity "+o.OpportunityID, err)
	}
	if inserted {
		return opportunity.Inserted, nil
	}
	return opportunity.Updated, nil
}

func scanOpportunity(row rowScanner) (*opportunity.Opportunity, error) {
	var (
		o          opportunity.Opportunity
		source     string
		deadline   sql.NullTime
		funding    sql.NullInt64
		noticeType sql.NullString
	)
	err := row.Scan(
		&o.OpportunityID, &source, &o.Title, &o.Description, &o.Agency, &deadline,
		&funding, &o.NAICSCode, pq.Array(&o.CFDANumbers), &noticeType, &o.URL,
		pq.Array(&o.MatchedKeywords), pq.Array(&o.MatchedNAICS), &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Source = opportunity.Source(source)
	if deadline.Valid {
		t := deadline.Time.UTC()
		o.Deadline = &t
	}
	if funding.Valid {
		v := funding.Int64
		o.FundingAmount = &v
	}
	o.NoticeType = noticeType.String
	o.CFDANumbers = nonNil(o.CFDANumbers)
	o.MatchedKeywords = nonNil(o.MatchedKeywords)
	o.MatchedNAICS = nonNil(o.MatchedNAICS)
	return &o, nil
}

func (s *Store) queryOpportunities(ctx context.Context, op string, query string, args ...any) ([]opportunity.Opportunity, error) {
	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Storage(op, err)
	}
	defer rows.Close()

	out := make([]opportunity.Opportunity, 0)
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, apperrors.Storage(op, err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage(op, err)
	}
	return out, nil
}

// GetOpportunity loads one opportunity or returns a NotFound error.
func (s *Store) GetOpportunity(ctx context.Context, id string) (*opportunity.Opportunity, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE opportunity_id = $1`, id)
	o, err := scanOpportunity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("opportunity %s", id)
	}
	if err != nil {
		return nil, apperrors.Storage("loading opportunity "+id, err)
	}
	return o, nil
}

// ListParams controls pagination of ListOpportunities.
type ListParams struct {
	Limit  int
	Offset int
	Source opportunity.Source
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ListOpportunities pages through opportunities newest first. Ties on
// created_at are broken by opportunity_id so pages are stable.
func (s *Store) ListOpportunities(ctx context.Context, p ListParams) ([]opportunity.Opportunity, error) {
	limit := clamp(p.Limit, 1, MaxListLimit, DefaultListLimit)
	offset := max(p.Offset, 0)
	return s.queryOpportunities(ctx, "listing opportunities",
		`SELECT `+opportunityColumns+` FROM opportunities
		 WHERE ($3 = '' OR source = $3)
		 ORDER BY created_at DESC, opportunity_id
		 LIMIT $1 OFFSET $2`,
		limit, offset, string(p.Source),
	)
}

// SearchResult groups keyword search hits by kind.
type SearchResult struct {
	Grants    []opportunity.Opportunity `json:"grants"`
	Contracts []opportunity.Opportunity `json:"contracts"`
	RFIs      []opportunity.Opportunity `json:"rfis"`
}

const searchWhere = `(title ILIKE $1 OR description ILIKE $1 OR agency ILIKE $1)`

// Search runs a case-insensitive substring match over title, description
// and agency, returning up to limit hits per kind ordered by deadline.
func (s *Store) Search(ctx context.Context, q string, limit int) (*SearchResult, error) {
	limit = clamp(limit, 1, MaxListLimit, DefaultListLimit)
	pattern := likePattern(q)
	rfiTypes := pq.Array(opportunity.RFINoticeTypes)
	order := ` ORDER BY deadline DESC NULLS LAST, opportunity_id LIMIT $2`

	var (
		res SearchResult
		err error
	)
	res.Grants, err = s.queryOpportunities(ctx, "searching grants",
		`SELECT `+opportunityColumns+` FROM opportunities
		 WHERE source = 'grants.gov' AND `+searchWhere+order,
		pattern, limit)
	if err != nil {
		return nil, err
	}
	res.Contracts, err = s.queryOpportunities(ctx, "searching contracts",
		`SELECT `+opportunityColumns+` FROM opportunities
		 WHERE source = 'sam.gov' AND (notice_type IS NULL OR NOT (notice_type = ANY($3)))
		 AND `+searchWhere+order,
		pattern, limit, rfiTypes)
	if err != nil {
		return nil, err
	}
	res.RFIs, err = s.queryOpportunities(ctx, "searching rfis",
		`SELECT `+opportunityColumns+` FROM opportunities
		 WHERE source = 'sam.gov' AND notice_type = ANY($3)
		 AND `+searchWhere+order,
		pattern, limit, rfiTypes)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// UpdateDescription replaces the stored description, used to cache text
// fetched from a description link.
func (s *Store) UpdateDescription(ctx context.Context, id, description string) error {
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE opportunities SET description = $2, updated_at = NOW() WHERE opportunity_id = $1`,
		id, description)
	if err != nil {
		return apperrors.Storage("updating description of "+id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFoundf("opportunity %s", id)
	}
	return nil
}

// Counts reports the total number of stored opportunities and the number
// per source.
func (s *Store) Counts(ctx context.Context) (int, map[string]int, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT source, COUNT(*) FROM opportunities GROUP BY source ORDER BY source`)
	if err != nil {
		return 0, nil, apperrors.Storage("counting opportunities", err)
	}
	defer rows.Close()

	total := 0
	bySource := make(map[string]int)
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return 0, nil, apperrors.Storage("counting opportunities", err)
		}
		bySource[source] = n
		total += n
	}
	if err := rows.Err(); err != nil {
		return 0, nil, apperrors.Storage("counting opportunities", err)
	}
	return total, bySource, nil
}

// Recommendations returns analyzed opportunities scoring at least minScore,
// best first and soonest deadline first among equal scores.
func (s *Store) Recommendations(ctx context.Context, minScore, limit int) ([]opportunity.Recommendation, error) {
	limit = clamp(limit, 1, MaxListLimit, DefaultListLimit)
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT o.opportunity_id, o.source, o.title, o.description, o.agency, o.deadline,
		        o.funding_amount, o.naics_code, o.cfda_numbers, o.notice_type, o.url,
		        o.matched_keywords, o.matched_naics, o.created_at, o.updated_at,
		        `+analysisSelect("a")+`
		 FROM opportunities o
		 JOIN opportunity_analysis a ON a.opportunity_id = o.opportunity_id
		 WHERE a.fit_score >= $1
		 ORDER BY a.fit_score DESC, o.deadline ASC NULLS LAST, o.opportunity_id
		 LIMIT $2`,
		minScore, limit)
	if err != nil {
		return nil, apperrors.Storage("listing recommendations", err)
	}
	defer rows.Close()

	out := make([]opportunity.Recommendation, 0)
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, apperrors.Storage("listing recommendations", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("listing recommendations", err)
	}
	return out, nil
}

func scanRecommendation(row rowScanner) (*opportunity.Recommendation, error) {
	var (
		rec        opportunity.Recommendation
		source     string
		deadline   sql.NullTime
		funding    sql.NullInt64
		noticeType sql.NullString
		action     string
	)
	o := &rec.Opportunity
	a := &rec.Analysis
	err := row.Scan(
		&o.OpportunityID, &source, &o.Title, &o.Description, &o.Agency, &deadline,
		&funding, &o.NAICSCode, pq.Array(&o.CFDANumbers), &noticeType, &o.URL,
		pq.Array(&o.MatchedKeywords), pq.Array(&o.MatchedNAICS), &o.CreatedAt, &o.UpdatedAt,
		&a.OpportunityID, &a.FitScore, &a.FitReasoning, &a.Summary,
		pq.Array(&a.KeyRequirements), pq.Array(&a.RedFlags), &action,
		&a.ModelUsed, &a.TokensUsed, &a.AnalyzedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Source = opportunity.Source(source)
	if deadline.Valid {
		t := deadline.Time.UTC()
		o.Deadline = &t
	}
	if funding.Valid {
		v := funding.Int64
		o.FundingAmount = &v
	}
	o.NoticeType = noticeType.String
	o.CFDANumbers = nonNil(o.CFDANumbers)
	o.MatchedKeywords = nonNil(o.MatchedKeywords)
	o.MatchedNAICS = nonNil(o.MatchedNAICS)
	a.RecommendedAction = opportunity.Action(action)
	a.KeyRequirements = nonNil(a.KeyRequirements)
	a.RedFlags = nonNil(a.RedFlags)
	a.AnalyzedAt = a.AnalyzedAt.In(time.UTC)
	return &rec, nil
}
