// Package sam reads contract opportunities from the SAM.gov opportunities
// search API and looks up the attachments of a single notice.
package sam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/propbot/propbot/internal/opportunity"
	"github.com/propbot/propbot/pkg/config"
	"github.com/propbot/propbot/pkg/resilience"
	"golang.org/x/time/rate"
)

const dateLayout = "01/02/2006"

// ErrNoAPIKey is returned when the adapter runs without a key.
var ErrNoAPIKey = errors.New("SAM.gov API key is not configured")

// Source is the SAM.gov adapter. Every request, across pages and document
// lookups, passes through one limiter.
type Source struct {
	cfg     config.SAMConfig
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
	logger  *slog.Logger
}

func New(cfg config.SAMConfig) *Source {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 90
	}
	limit := rate.Inf
	if cfg.PageDelay > 0 {
		limit = rate.Every(cfg.PageDelay)
	}
	return &Source{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		logger:  slog.Default().With("component", "sam-source"),
	}
}

func (s *Source) Name() opportunity.Source { return opportunity.SourceSAM }

// notice is one entry of opportunitiesData. Only the fields the pipeline
// reads are declared.
type notice struct {
	NoticeID           string            `json:"noticeId"`
	Title              string            `json:"title"`
	Description        string            `json:"description"`
	Department         string            `json:"department"`
	FullParentPathName string            `json:"fullParentPathName"`
	ResponseDeadLine   string            `json:"responseDeadLine"`
	ArchiveDate        string            `json:"archiveDate"`
	NAICSCode          json.RawMessage   `json:"naicsCode"`
	Type               string            `json:"type"`
	ResourceLinks      []json.RawMessage `json:"resourceLinks"`
}

type searchResponse struct {
	TotalRecords      int               `json:"totalRecords"`
	OpportunitiesData []json.RawMessage `json:"opportunitiesData"`
}

// Fetch pages through notices posted in the lookback window and emits them
// in API order. An empty page ends the scan.
func (s *Source) Fetch(ctx context.Context, emit func(opportunity.RawRecord) error) error {
	if s.cfg.APIKey == "" {
		return ErrNoAPIKey
	}
	to := s.now()
	from := to.AddDate(0, 0, -s.cfg.LookbackDays)

	total := 0
	for offset := 0; ; offset += s.cfg.PageSize {
		q := url.Values{}
		q.Set("postedFrom", from.Format(dateLayout))
		q.Set("postedTo", to.Format(dateLayout))
		q.Set("limit", strconv.Itoa(s.cfg.PageSize))
		q.Set("offset", strconv.Itoa(offset))

		page, err := s.search(ctx, q)
		if err != nil {
			return fmt.Errorf("fetching page at offset %d: %w", offset, err)
		}
		if len(page.OpportunitiesData) == 0 {
			break
		}
		for _, raw := range page.OpportunitiesData {
			var n notice
			rec := opportunity.RawRecord{Source: opportunity.SourceSAM}
			if err := json.Unmarshal(raw, &n); err != nil {
				rec.Err = fmt.Errorf("decoding notice: %w", err)
			} else {
				rec = toRaw(n)
			}
			if err := emit(rec); err != nil {
				return err
			}
		}
		total += len(page.OpportunitiesData)
		s.logger.Debug("page fetched", "offset", offset, "records", len(page.OpportunitiesData), "total", total)
		if page.TotalRecords > 0 && offset+len(page.OpportunitiesData) >= page.TotalRecords {
			break
		}
	}
	s.logger.Info("notices fetched", "total", total)
	return nil
}

// search runs one paced, retried call of the search endpoint.
func (s *Source) search(ctx context.Context, q url.Values) (*searchResponse, error) {
	q.Set("api_key", s.cfg.APIKey)
	endpoint := s.cfg.BaseURL + "?" + q.Encode()

	var page searchResponse
	err := s.retry(ctx, "sam.search", func() error {
		resp, err := s.getResponse(ctx, endpoint)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		page = searchResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			return fmt.Errorf("decoding search response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// statusError reports a non-200 response.
type statusError struct {
	Code int
}

func (e *statusError) Error() string { return "HTTP " + strconv.Itoa(e.Code) }

func (s *Source) retry(ctx context.Context, name string, fn func() error) error {
	return resilience.Retry(ctx, name, resilience.RetryConfig{MaxAttempts: s.cfg.MaxAttempts}, fn)
}

// getResponse waits for the limiter and issues a GET. Client errors other
// than 429 are marked permanent so Retry gives up at once.
func (s *Source) getResponse(ctx context.Context, endpoint string) (*http.Response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, resilience.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		serr := &statusError{Code: resp.StatusCode}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, resilience.Permanent(serr)
		}
		return nil, serr
	}
	return resp, nil
}

func toRaw(n notice) opportunity.RawRecord {
	id := strings.TrimSpace(n.NoticeID)
	var link string
	if id != "" {
		link = "https://sam.gov/opp/" + id + "/view"
	}
	agency := n.Department
	if agency == "" {
		agency = n.FullParentPathName
	}
	deadline := n.ResponseDeadLine
	if deadline == "" {
		deadline = n.ArchiveDate
	}
	return opportunity.RawRecord{
		Source:      opportunity.SourceSAM,
		ID:          id,
		Title:       n.Title,
		Description: n.Description,
		Agency:      agency,
		Deadline:    deadline,
		NAICSCode:   firstNAICS(n.NAICSCode),
		NoticeType:  n.Type,
		URL:         link,
	}
}

// firstNAICS accepts a code given as a string, a number or a list.
func firstNAICS(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return ""
		}
		return firstNAICS(list[0])
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return num.String()
	}
	return ""
}
