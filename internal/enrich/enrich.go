// Package enrich fills in what the bulk feeds leave out: full sam.gov
// descriptions, live grants.gov details and sam.gov notice attachments.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/propbot/propbot/internal/opportunity"
	"github.com/propbot/propbot/internal/sources/grants"
	"github.com/propbot/propbot/internal/sources/sam"
	apperrors "github.com/propbot/propbot/pkg/errors"
)

const (
	samDescriptionPrefix = "https://api.sam.gov/"

	// DescriptionUnavailable replaces a description link that could not be
	// fetched. It is never stored.
	DescriptionUnavailable = "Description not available. View on SAM.gov for details."

	defaultMaxBytes = 10 << 20
)

// Store is the persistence the enricher writes to.
type Store interface {
	UpdateDescription(ctx context.Context, id, description string) error
	UpsertDocument(ctx context.Context, d *opportunity.Document) error
}

// SAM looks up and downloads notice resources.
type SAM interface {
	Resources(ctx context.Context, noticeID string) ([]sam.Resource, error)
	Download(ctx context.Context, rawURL string, maxBytes int64) (*sam.Download, error)
}

// Grants fetches live grant details.
type Grants interface {
	Details(ctx context.Context, opportunityID string) (*grants.Details, error)
}

// Enricher fetches supplementary data on demand. Either client may be nil
// when its source is disabled.
type Enricher struct {
	store    Store
	sam      SAM
	grants   Grants
	maxBytes int64
	logger   *slog.Logger
}

func New(store Store, samClient SAM, grantsClient Grants) *Enricher {
	return &Enricher{
		store:    store,
		sam:      samClient,
		grants:   grantsClient,
		maxBytes: defaultMaxBytes,
		logger:   slog.Default().With("component", "enricher"),
	}
}

// Enrich applies fetch_details to o. A sam.gov description link is replaced
// by the fetched text, which is also written back to the store. For a grant
// the live details are returned. Upstream failures are logged and do not
// fail the call; the returned error is the grants.gov failure, if any, for
// the caller to report alongside o.
func (e *Enricher) Enrich(ctx context.Context, o *opportunity.Opportunity) (*grants.Details, error) {
	switch o.Source {
	case opportunity.SourceSAM:
		e.describe(ctx, o)
		return nil, nil
	case opportunity.SourceGrants:
		if e.grants == nil {
			return nil, nil
		}
		d, err := e.grants.Details(ctx, o.OpportunityID)
		if err != nil {
			e.logger.Warn("grant details unavailable", "opportunity_id", o.OpportunityID, "error", err)
			return nil, apperrors.SourceUnavailable(string(opportunity.SourceGrants), err)
		}
		return d, nil
	}
	return nil, nil
}

func (e *Enricher) describe(ctx context.Context, o *opportunity.Opportunity) {
	if e.sam == nil || !strings.HasPrefix(o.Description, samDescriptionPrefix) {
		return
	}
	log := e.logger.With("opportunity_id", o.OpportunityID)

	d, err := e.sam.Download(ctx, o.Description, e.maxBytes)
	if err != nil {
		log.Warn("description fetch failed", "error", err)
		o.Description = DescriptionUnavailable
		return
	}
	text := CollapseWhitespace(ExtractText("description.html", d.ContentType, d.Body))
	if text == "" {
		return
	}
	o.Description = text
	if err := e.store.UpdateDescription(ctx, o.OpportunityID, text); err != nil {
		log.Warn("caching description failed", "error", err)
		return
	}
	log.Info("description cached", "chars", len(text))
}

// FetchDocuments downloads the resources of a sam.gov notice and records one
// document row per resource. Text bodies are kept; binary bodies are stored
// with empty text. A failing resource is skipped.
func (e *Enricher) FetchDocuments(ctx context.Context, o *opportunity.Opportunity) ([]opportunity.Document, error) {
	if o.Source != opportunity.SourceSAM || e.sam == nil {
		return []opportunity.Document{}, nil
	}
	log := e.logger.With("opportunity_id", o.OpportunityID)

	resources, err := e.sam.Resources(ctx, o.OpportunityID)
	if err != nil {
		return nil, fmt.Errorf("listing resources of %s: %w", o.OpportunityID, err)
	}

	docs := make([]opportunity.Document, 0, len(resources))
	for _, r := range resources {
		if err := ctx.Err(); err != nil {
			return docs, err
		}
		d, err := e.sam.Download(ctx, r.URL, e.maxBytes)
		if err != nil {
			log.Warn("document download failed", "filename", r.Name, "error", err)
			continue
		}
		doc := opportunity.Document{
			OpportunityID: o.OpportunityID,
			DocumentType:  GuessDocType(r.Name),
			Filename:      r.Name,
			SourceURL:     r.URL,
			ContentText:   ExtractText(r.Name, d.ContentType, d.Body),
			SizeBytes:     int64(len(d.Body)),
		}
		if r.Description {
			doc.DocumentType = "description"
		}
		if err := e.store.UpsertDocument(ctx, &doc); err != nil {
			return docs, err
		}
		docs = append(docs, doc)
	}
	log.Info("documents fetched", "resources", len(resources), "stored", len(docs))
	return docs, nil
}
