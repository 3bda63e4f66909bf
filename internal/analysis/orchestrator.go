// Package analysis scores stored opportunities against the company profile
// with a language model, one at a time or as a streamed batch.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/propbot/propbot/internal/llm/openai"
	"github.com/propbot/propbot/internal/opportunity"
	"github.com/propbot/propbot/pkg/config"
	apperrors "github.com/propbot/propbot/pkg/errors"
	"github.com/propbot/propbot/pkg/metrics"
	"github.com/propbot/propbot/pkg/resilience"
)

const breakerName = "llm"

// Store is the persistence the orchestrator needs.
type Store interface {
	GetOpportunity(ctx context.Context, id string) (*opportunity.Opportunity, error)
	Documents(ctx context.Context, opportunityID string) ([]opportunity.Document, error)
	GetProfile(ctx context.Context) (*opportunity.CompanyProfile, error)
	UpsertAnalysis(ctx context.Context, a *opportunity.Analysis) error
	GetAnalysis(ctx context.Context, id string) (*opportunity.Analysis, error)
}

// Model produces a JSON completion for a system and user message.
type Model interface {
	Name() string
	Evaluate(ctx context.Context, system, prompt string) (openai.Completion, error)
}

// DocumentFetcher refreshes the stored documents of an opportunity before it
// is analyzed.
type DocumentFetcher interface {
	FetchDocuments(ctx context.Context, o *opportunity.Opportunity) ([]opportunity.Document, error)
}

// Orchestrator runs fit analyses.
type Orchestrator struct {
	store   Store
	model   Model
	docs    DocumentFetcher
	cfg     config.AnalysisConfig
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	newID   func() string
	logger  *slog.Logger
}

const defaultItemTimeout = 2 * time.Minute

func New(store Store, model Model, cfg config.AnalysisConfig) *Orchestrator {
	if cfg.MaxDocumentChars <= 0 {
		cfg.MaxDocumentChars = 20000
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 200
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = defaultItemTimeout
	}
	o := &Orchestrator{
		store:  store,
		model:  model,
		cfg:    cfg,
		newID:  newBatchID,
		logger: slog.Default().With("component", "analysis-orchestrator"),
	}
	o.breaker = resilience.NewCircuitBreaker(breakerName, resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerResetAfter,
		OnStateChange: func(name string, to resilience.State) {
			if o.metrics != nil {
				o.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	return o
}

// WithDocuments makes Analyze refresh sam.gov attachments before building
// the prompt.
func (o *Orchestrator) WithDocuments(f DocumentFetcher) *Orchestrator {
	o.docs = f
	return o
}

func (o *Orchestrator) WithMetrics(m *metrics.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// GetCached returns the stored analysis of id without calling the model.
func (o *Orchestrator) GetCached(ctx context.Context, id string) (*opportunity.Analysis, error) {
	return o.store.GetAnalysis(ctx, id)
}

// Analyze always recomputes the analysis of id and overwrites the stored
// one. A reply that is not valid JSON or breaks the score or action rules
// is an ErrModel failure and nothing is stored.
func (o *Orchestrator) Analyze(ctx context.Context, id string) (*opportunity.Analysis, error) {
	start := time.Now()
	a, err := o.analyze(ctx, id)
	o.observe(err, time.Since(start), a)
	if err != nil {
		o.logger.Warn("analysis failed", "opportunity_id", id, "error", err)
		return nil, err
	}
	o.logger.Info("analysis stored", "opportunity_id", id, "fit_score", a.FitScore, "action", a.RecommendedAction)
	return a, nil
}

func (o *Orchestrator) analyze(ctx context.Context, id string) (*opportunity.Analysis, error) {
	opp, err := o.store.GetOpportunity(ctx, id)
	if err != nil {
		return nil, err
	}

	if o.docs != nil && opp.Source == opportunity.SourceSAM {
		if _, err := o.docs.FetchDocuments(ctx, opp); err != nil {
			o.logger.Warn("could not refresh documents", "opportunity_id", id, "error", err)
		}
	}
	docs, err := o.store.Documents(ctx, id)
	if err != nil {
		return nil, err
	}

	profile, err := o.store.GetProfile(ctx)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		profile = nil
	}

	prompt := BuildPrompt(opp, profile, docs, o.cfg.MaxDocumentChars)

	var completion openai.Completion
	err = resilience.WithTimeout(ctx, o.cfg.ItemTimeout, "analysis of "+id, func(ctx context.Context) error {
		return o.breaker.Execute(func() error {
			c, err := o.model.Evaluate(ctx, SystemPrompt, prompt)
			if err != nil {
				return err
			}
			completion = c
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrTimeout) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperrors.Modelf("analysis of %s: %v", id, err)
	}

	a, err := ParseAnalysis(completion.Content)
	if err != nil {
		return nil, apperrors.Modelf("analysis of %s: %v", id, err)
	}
	a.OpportunityID = id
	a.ModelUsed = o.model.Name()
	a.TokensUsed = completion.Tokens

	if err := o.store.UpsertAnalysis(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// modelReply is the JSON object the model is asked to return.
type modelReply struct {
	Summary           string   `json:"summary"`
	FitScore          *float64 `json:"fit_score"`
	FitReasoning      string   `json:"fit_reasoning"`
	KeyRequirements   []string `json:"key_requirements"`
	RedFlags          []string `json:"red_flags"`
	RecommendedAction string   `json:"recommended_action"`
}

// ParseAnalysis decodes and validates a model reply.
func ParseAnalysis(content string) (*opportunity.Analysis, error) {
	var r modelReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &r); err != nil {
		return nil, fmt.Errorf("reply is not a JSON object: %w", err)
	}
	if r.FitScore == nil {
		return nil, errors.New("reply has no fit_score")
	}
	if *r.FitScore != math.Trunc(*r.FitScore) {
		return nil, fmt.Errorf("fit_score %v is not a whole number", *r.FitScore)
	}
	a := &opportunity.Analysis{
		Summary:           r.Summary,
		FitScore:          int(*r.FitScore),
		FitReasoning:      r.FitReasoning,
		KeyRequirements:   nonNil(r.KeyRequirements),
		RedFlags:          nonNil(r.RedFlags),
		RecommendedAction: opportunity.Action(strings.ToLower(strings.TrimSpace(r.RecommendedAction))),
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func (o *Orchestrator) observe(err error, d time.Duration, a *opportunity.Analysis) {
	if o.metrics == nil {
		return
	}
	o.metrics.AnalysisDuration.Observe(d.Seconds())
	o.metrics.AnalysesTotal.WithLabelValues(resultLabel(err)).Inc()
	if a != nil {
		o.metrics.AnalysisTokensTotal.Add(float64(a.TokensUsed))
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, apperrors.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperrors.ErrModel):
		return "model_error"
	case errors.Is(err, apperrors.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
