package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/propbot/propbot/internal/opportunity"
	apperrors "github.com/propbot/propbot/pkg/errors"
	"github.com/propbot/propbot/pkg/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(postgres.NewFromDB(db)), mock
}

var opportunityCols = []string{
	"opportunity_id", "source", "title", "description", "agency", "deadline",
	"funding_amount", "naics_code", "cfda_numbers", "notice_type", "url",
	"matched_keywords", "matched_naics", "created_at", "updated_at",
}

func TestUpsertOpportunity_InsertThenUpdate(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	later := created.Add(time.Hour)

	o := &opportunity.Opportunity{
		OpportunityID:   "W91-25-R-0001",
		Source:          opportunity.SourceSAM,
		Title:           "Kubernetes platform support",
		MatchedKeywords: []string{"kubernetes"},
	}

	mock.ExpectQuery(`INSERT INTO opportunities`).
		WithArgs("W91-25-R-0001", "sam.gov", "Kubernetes platform support", "", "", nil,
			nil, "", sqlmock.AnyArg(), nil, "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"inserted", "created_at", "updated_at"}).
			AddRow(true, created, created))
	res, err := s.UpsertOpportunity(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, opportunity.Inserted, res)
	assert.Equal(t, created, o.CreatedAt)

	o.Title = "Kubernetes platform support (amended)"
	mock.ExpectQuery(`INSERT INTO opportunities`).
		WillReturnRows(sqlmock.NewRows([]string{"inserted", "created_at", "updated_at"}).
			AddRow(false, created, later))
	res, err = s.UpsertOpportunity(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, opportunity.Updated, res)
	assert.Equal(t, created, o.CreatedAt)
	assert.True(t, o.UpdatedAt.After(o.CreatedAt))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertOpportunity_StorageError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`INSERT INTO opportunities`).WillReturnError(errors.New("connection reset"))

	_, err := s.UpsertOpportunity(context.Background(), &opportunity.Opportunity{OpportunityID: "x", Title: "t"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrStorage)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestGetOpportunity(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	deadline := time.Date(2030, 5, 1, 23, 59, 59, 0, time.UTC)

	mock.ExpectQuery(`SELECT .+ FROM opportunities WHERE opportunity_id = \$1`).
		WithArgs("350123").
		WillReturnRows(sqlmock.NewRows(opportunityCols).AddRow(
			"350123", "grants.gov", "Cloud research", "desc", "NSF", deadline,
			int64(500000), "", "{47.070,47.041}", nil, "https://example.test",
			"{cloud}", "{}", now, now))

	o, err := s.GetOpportunity(context.Background(), "350123")
	require.NoError(t, err)
	assert.Equal(t, opportunity.SourceGrants, o.Source)
	assert.Equal(t, []string{"47.070", "47.041"}, o.CFDANumbers)
	assert.Equal(t, []string{"cloud"}, o.MatchedKeywords)
	assert.Equal(t, []string{}, o.MatchedNAICS)
	require.NotNil(t, o.FundingAmount)
	assert.Equal(t, int64(500000), *o.FundingAmount)
	assert.Equal(t, deadline, *o.Deadline)
	assert.Empty(t, o.NoticeType)
}

func TestGetOpportunity_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM opportunities WHERE opportunity_id`).
		WillReturnRows(sqlmock.NewRows(opportunityCols))

	_, err := s.GetOpportunity(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, 404, apperrors.HTTPStatusCode(err))
}

func TestListOpportunities_ClampsLimit(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`ORDER BY created_at DESC, opportunity_id`).
		WithArgs(MaxListLimit, 0, "").
		WillReturnRows(sqlmock.NewRows(opportunityCols))

	got, err := s.ListOpportunities(context.Background(), ListParams{Limit: 10000, Offset: -3})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch_GroupsAndEscapes(t *testing.T) {
	s, mock := newMockStore(t)
	pattern := `%100\%\_cloud%`
	now := time.Now().UTC()

	mock.ExpectQuery(`source = 'grants.gov'`).
		WithArgs(pattern, DefaultListLimit).
		WillReturnRows(sqlmock.NewRows(opportunityCols))
	mock.ExpectQuery(`notice_type IS NULL OR NOT`).
		WithArgs(pattern, DefaultListLimit, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(opportunityCols).AddRow(
			"FA8-1", "sam.gov", "100%_cloud migration", "", "USAF", nil,
			nil, "541512", "{}", "Solicitation", "", "{}", "{541512}", now, now))
	mock.ExpectQuery(`source = 'sam.gov' AND notice_type = ANY`).
		WithArgs(pattern, DefaultListLimit, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(opportunityCols))

	res, err := s.Search(context.Background(), "100%_cloud", 0)
	require.NoError(t, err)
	assert.Empty(t, res.Grants)
	assert.NotNil(t, res.Grants)
	require.Len(t, res.Contracts, 1)
	assert.Equal(t, "Solicitation", res.Contracts[0].NoticeType)
	assert.Nil(t, res.Contracts[0].Deadline)
	assert.Empty(t, res.RFIs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunLifecycle(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO ingest_runs`).
		WithArgs("grants.gov", start).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	id, err := s.StartRun(ctx, opportunity.SourceGrants, start)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	c := opportunity.RunCounters{Fetched: 100, Inserted: 60, Updated: 40}
	mock.ExpectExec(`UPDATE ingest_runs SET\s+records_fetched`).
		WithArgs(int64(42), 100, 0, 0, 60, 40, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.UpdateRunCounters(ctx, id, c))

	mock.ExpectExec(`UPDATE ingest_runs SET\s+status`).
		WithArgs(int64(42), "completed", nil, 100, 0, 0, 60, 40, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.FinishRun(ctx, id, opportunity.RunCompleted, c, ""))

	mock.ExpectExec(`UPDATE ingest_runs SET\s+status`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = s.FinishRun(ctx, id, opportunity.RunFailed, c, "late")
	assert.ErrorContains(t, err, "not running")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishRun_RejectsRunningStatus(t *testing.T) {
	s, _ := newMockStore(t)
	err := s.FinishRun(context.Background(), 1, opportunity.RunRunning, opportunity.RunCounters{}, "")
	assert.ErrorContains(t, err, "not terminal")
}

func TestRecentRuns(t *testing.T) {
	s, mock := newMockStore(t)
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	done := started.Add(3 * time.Minute)

	mock.ExpectQuery(`FROM ingest_runs`).WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "source", "started_at", "completed_at", "status", "error_message",
			"records_fetched", "records_filtered_expired", "records_filtered_capability",
			"records_inserted", "records_updated", "records_rejected_invalid",
		}).
			AddRow(int64(2), "sam.gov", started, nil, "failed", "sam.gov: HTTP 503", 5, 0, 0, 5, 0, 0).
			AddRow(int64(1), "grants.gov", started, done, "completed", nil, 3, 1, 1, 1, 0, 0))

	runs, err := s.RecentRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, opportunity.RunFailed, runs[0].Status)
	assert.Equal(t, "sam.gov: HTTP 503", runs[0].ErrorMessage)
	assert.Nil(t, runs[0].CompletedAt)
	assert.True(t, runs[1].Reconciles())
	assert.Equal(t, done, *runs[1].CompletedAt)
}

func TestSeedFilters(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO capability_filters`)
	prep.ExpectExec().WithArgs("naics", "541512", "Computer Systems Design Services").
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs("keyword", "kubernetes", "").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	added, err := s.SeedFilters(context.Background(), []opportunity.CapabilityFilter{
		{FilterType: opportunity.FilterNAICS, Value: "541512", Description: "Computer Systems Design Services"},
		{FilterType: opportunity.FilterKeyword, Value: "kubernetes"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveFiltersAndCounts(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM capability_filters WHERE active ORDER BY`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "filter_type", "value", "description", "active"}).
			AddRow(int64(1), "keyword", "sre", "", true).
			AddRow(int64(2), "naics", "541512", "", true))
	filters, err := s.ActiveFilters(context.Background())
	require.NoError(t, err)
	require.Len(t, filters, 2)
	assert.Equal(t, opportunity.FilterKeyword, filters[0].FilterType)

	mock.ExpectQuery(`GROUP BY filter_type`).
		WillReturnRows(sqlmock.NewRows([]string{"filter_type", "count"}).AddRow("keyword", 26))
	counts, err := s.FilterCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"keyword": 26, "naics": 0}, counts)
}

func TestAnalysisRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

	a := &opportunity.Analysis{
		OpportunityID:     "350123",
		FitScore:          8,
		RecommendedAction: opportunity.ActionPursue,
		ModelUsed:         "gpt-4o-mini",
		TokensUsed:        1200,
	}
	mock.ExpectQuery(`INSERT INTO opportunity_analysis`).
		WithArgs("350123", 8, "", "", sqlmock.AnyArg(), sqlmock.AnyArg(), "pursue", "gpt-4o-mini", 1200).
		WillReturnRows(sqlmock.NewRows([]string{"analyzed_at"}).AddRow(at))
	require.NoError(t, s.UpsertAnalysis(ctx, a))
	assert.Equal(t, at, a.AnalyzedAt)

	mock.ExpectQuery(`FROM opportunity_analysis a WHERE`).WithArgs("350123").
		WillReturnRows(sqlmock.NewRows([]string{
			"opportunity_id", "fit_score", "fit_reasoning", "summary", "key_requirements",
			"red_flags", "recommended_action", "model_used", "tokens_used", "analyzed_at",
		}).AddRow("350123", 8, "strong", "sum", "{FedRAMP}", "{}", "pursue", "gpt-4o-mini", 1200, at))
	got, err := s.GetAnalysis(ctx, "350123")
	require.NoError(t, err)
	assert.Equal(t, []string{"FedRAMP"}, got.KeyRequirements)
	assert.Equal(t, []string{}, got.RedFlags)
	assert.Equal(t, opportunity.ActionPursue, got.RecommendedAction)

	mock.ExpectQuery(`FROM opportunity_analysis a WHERE`).WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"opportunity_id"}))
	_, err = s.GetAnalysis(ctx, "nope")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestProfile(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT data FROM company_profile`).
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	_, err := s.GetProfile(ctx)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	mock.ExpectExec(`INSERT INTO company_profile`).WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.SaveProfile(ctx, &opportunity.CompanyProfile{CompanyName: "Acme"}))

	mock.ExpectQuery(`SELECT data FROM company_profile`).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"company_name":"Acme","capabilities":["OpenShift"]}`)))
	p, err := s.GetProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Acme", p.CompanyName)
	assert.Equal(t, []string{"OpenShift"}, p.Capabilities)
}

func TestLikePattern(t *testing.T) {
	assert.Equal(t, `%kubernetes%`, likePattern("kubernetes"))
	assert.Equal(t, `%a\%b\_c\\d%`, likePattern(`a%b_c\d`))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 50, clamp(0, 1, 500, 50))
	assert.Equal(t, 500, clamp(900, 1, 500, 50))
	assert.Equal(t, 20, clamp(20, 1, 500, 50))
}
