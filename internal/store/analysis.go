package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"
	"github.com/propbot/propbot/internal/opportunity"
	apperrors "github.com/propbot/propbot/pkg/errors"
)

var analysisFields = []string{
	"opportunity_id", "fit_score", "fit_reasoning", "summary",
	"key_requirements", "red_flags", "recommended_action",
	"model_used", "tokens_used", "analyzed_at",
}

// analysisSelect lists the analysis columns qualified by alias.
func analysisSelect(alias string) string {
	cols := make([]string, len(analysisFields))
	for i, f := range analysisFields {
		cols[i] = alias + "." + f
	}
	return strings.Join(cols, ", ")
}

// UpsertAnalysis stores a, replacing any earlier analysis of the same
// opportunity. AnalyzedAt is set from the stored row.
func (s *Store) UpsertAnalysis(ctx context.Context, a *opportunity.Analysis) error {
	err := s.db.DB.QueryRowContext(ctx,
		`INSERT INTO opportunity_analysis (
		    opportunity_id, fit_score, fit_reasoning, summary, key_requirements,
		    red_flags, recommended_action, model_used, tokens_used, analyzed_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		 ON CONFLICT (opportunity_id) DO UPDATE SET
		    fit_score          = EXCLUDED.fit_score,
		    fit_reasoning      = EXCLUDED.fit_reasoning,
		    summary            = EXCLUDED.summary,
		    key_requirements   = EXCLUDED.key_requirements,
		    red_flags          = EXCLUDED.red_flags,
		    recommended_action = EXCLUDED.recommended_action,
		    model_used         = EXCLUDED.model_used,
		    tokens_used        = EXCLUDED.tokens_used,
		    analyzed_at        = NOW()
		 RETURNING analyzed_at`,
		a.OpportunityID, a.FitScore, a.FitReasoning, a.Summary, pq.Array(nonNil(a.KeyRequirements)),
		pq.Array(nonNil(a.RedFlags)), string(a.RecommendedAction), a.ModelUsed, a.TokensUsed,
	).Scan(&a.AnalyzedAt)
	if err != nil {
		return apperrors.Storage("saving analysis of "+a.OpportunityID, err)
	}
	return nil
}

// GetAnalysis returns the stored analysis or a NotFound error.
func (s *Store) GetAnalysis(ctx context.Context, id string) (*opportunity.Analysis, error) {
	var (
		a      opportunity.Analysis
		action string
	)
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT `+analysisSelect("a")+` FROM opportunity_analysis a WHERE a.opportunity_id = $1`, id,
	).Scan(&a.OpportunityID, &a.FitScore, &a.FitReasoning, &a.Summary,
		pq.Array(&a.KeyRequirements), pq.Array(&a.RedFlags), &action,
		&a.ModelUsed, &a.TokensUsed, &a.AnalyzedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("no analysis for opportunity %s", id)
	}
	if err != nil {
		return nil, apperrors.Storage("loading analysis of "+id, err)
	}
	a.RecommendedAction = opportunity.Action(action)
	a.KeyRequirements = nonNil(a.KeyRequirements)
	a.RedFlags = nonNil(a.RedFlags)
	return &a, nil
}
