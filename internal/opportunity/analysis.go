package opportunity

import (
	"fmt"
	"time"
)

// Action is the analyzer's recommendation.
type Action string

const (
	ActionPursue   Action = "pursue"
	ActionResearch Action = "research"
	ActionSkip     Action = "skip"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionPursue, ActionResearch, ActionSkip:
		return true
	}
	return false
}

const (
	MinFitScore = 1
	MaxFitScore = 10
)

// Analysis is the stored fit assessment of one opportunity.
type Analysis struct {
	OpportunityID     string    `json:"opportunity_id"`
	FitScore          int       `json:"fit_score"`
	FitReasoning      string    `json:"fit_reasoning"`
	Summary           string    `json:"summary"`
	KeyRequirements   []string  `json:"key_requirements"`
	RedFlags          []string  `json:"red_flags"`
	RecommendedAction Action    `json:"recommended_action"`
	ModelUsed         string    `json:"model_used"`
	TokensUsed        int       `json:"tokens_used"`
	AnalyzedAt        time.Time `json:"analyzed_at"`
}

// Validate checks the score range and action enum.
func (a *Analysis) Validate() error {
	if a.FitScore < MinFitScore || a.FitScore > MaxFitScore {
		return fmt.Errorf("fit_score %d outside [%d,%d]", a.FitScore, MinFitScore, MaxFitScore)
	}
	if !a.RecommendedAction.Valid() {
		return fmt.Errorf("recommended_action %q not one of pursue, research, skip", a.RecommendedAction)
	}
	return nil
}

// Recommendation is an opportunity paired with its analysis.
type Recommendation struct {
	Opportunity
	Analysis Analysis `json:"analysis"`
}
