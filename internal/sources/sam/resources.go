package sam

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

const descriptionPrefix = "https://api.sam.gov"

// Resource is a downloadable item attached to a notice.
type Resource struct {
	Name string
	URL  string
	// Description marks the notice's description link rather than an
	// attachment.
	Description bool
}

// Resources looks up a notice by id and lists its attachments, followed by
// its description link when the description is served by the API.
func (s *Source) Resources(ctx context.Context, noticeID string) ([]Resource, error) {
	if s.cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	q := url.Values{}
	q.Set("noticeid", noticeID)
	q.Set("limit", "1")
	page, err := s.search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("looking up notice %s: %w", noticeID, err)
	}
	if len(page.OpportunitiesData) == 0 {
		return []Resource{}, nil
	}
	var n notice
	if err := json.Unmarshal(page.OpportunitiesData[0], &n); err != nil {
		return nil, fmt.Errorf("decoding notice %s: %w", noticeID, err)
	}

	out := make([]Resource, 0, len(n.ResourceLinks)+1)
	for i, raw := range n.ResourceLinks {
		if r, ok := parseResourceLink(raw, i); ok {
			out = append(out, r)
		}
	}
	if strings.HasPrefix(n.Description, descriptionPrefix) {
		out = append(out, Resource{Name: "description.html", URL: n.Description, Description: true})
	}
	return out, nil
}

// parseResourceLink accepts a bare URL or a {name, url} object.
func parseResourceLink(raw json.RawMessage, idx int) (Resource, bool) {
	var link string
	if err := json.Unmarshal(raw, &link); err == nil {
		if link == "" {
			return Resource{}, false
		}
		return Resource{Name: "attachment_" + strconv.Itoa(idx) + ".pdf", URL: link}, true
	}
	var obj struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.URL == "" {
		return Resource{}, false
	}
	if obj.Name == "" {
		obj.Name = "attachment_" + strconv.Itoa(idx)
	}
	return Resource{Name: obj.Name, URL: obj.URL}, true
}

// Download is a fetched resource body.
type Download struct {
	ContentType string
	Body        []byte
}

// Download fetches rawURL, adding the API key to api.sam.gov URLs. At most
// maxBytes of the body are read.
func (s *Source) Download(ctx context.Context, rawURL string, maxBytes int64) (*Download, error) {
	endpoint, err := s.withAPIKey(rawURL)
	if err != nil {
		return nil, err
	}
	var d Download
	err = s.retry(ctx, "sam.download", func() error {
		resp, err := s.getResponse(ctx, endpoint)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
		if err != nil {
			return fmt.Errorf("reading %s: %w", rawURL, err)
		}
		d = Download{ContentType: resp.Header.Get("Content-Type"), Body: body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Source) withAPIKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing resource url: %w", err)
	}
	if u.Host == "api.sam.gov" && s.cfg.APIKey != "" {
		q := u.Query()
		if q.Get("api_key") == "" {
			q.Set("api_key", s.cfg.APIKey)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}
