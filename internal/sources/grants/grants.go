// Package grants reads grants.gov opportunities from the daily XML extract.
//
// The extract page lists dated ZIP archives; the newest one holds a single
// XML document with one OpportunitySynopsisDetail_1_0 element per grant.
// The archive is spooled to a temporary file and the XML is decoded as a
// stream, so memory stays flat regardless of extract size.
package grants

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/propbot/propbot/internal/opportunity"
	"github.com/propbot/propbot/pkg/config"
	"golang.org/x/net/html"
)

const synopsisElement = "OpportunitySynopsisDetail_1_0"

// Source is the grants.gov extract adapter.
type Source struct {
	cfg    config.GrantsConfig
	client *http.Client
	logger *slog.Logger
}

func New(cfg config.GrantsConfig) *Source {
	return &Source{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default().With("component", "grants-source"),
	}
}

func (s *Source) Name() opportunity.Source { return opportunity.SourceGrants }

// Fetch downloads the newest extract and emits every grant in document
// order.
func (s *Source) Fetch(ctx context.Context, emit func(opportunity.RawRecord) error) error {
	zipURL, err := s.LatestExtract(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("downloading extract", "url", zipURL)

	path, err := s.download(ctx, zipURL)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("opening extract archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if !strings.HasSuffix(strings.ToLower(f.Name), ".xml") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("opening %s: %w", f.Name, err)
		}
		defer rc.Close()
		n, err := s.decode(ctx, rc, emit)
		s.logger.Info("extract parsed", "file", f.Name, "records", n)
		return err
	}
	return errors.New("extract archive contains no XML file")
}

// LatestExtract scrapes the extract page for ZIP links and returns the
// newest one. Archive names embed the date, so the lexically greatest link
// is the latest.
func (s *Source) LatestExtract(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.ExtractURL, nil)
	if err != nil {
		return "", fmt.Errorf("building extract page request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching extract page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching extract page: HTTP %d", resp.StatusCode)
	}

	links, err := zipLinks(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parsing extract page: %w", err)
	}
	if len(links) == 0 {
		return "", errors.New("no ZIP archives listed on extract page")
	}
	sort.Strings(links)

	base := s.cfg.DownloadURL
	if base == "" {
		base = s.cfg.ExtractURL
	}
	return resolve(base, links[len(links)-1])
}

func zipLinks(r io.Reader) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if href := attr(n, "href"); strings.HasSuffix(strings.ToLower(href), ".zip") {
				links = append(links, href)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func resolve(base, href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parsing archive link %q: %w", href, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base url %q: %w", base, err)
	}
	if !strings.HasSuffix(b.Path, "/") {
		b.Path += "/"
	}
	return b.ResolveReference(ref).String(), nil
}

func (s *Source) download(ctx context.Context, zipURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, zipURL, nil)
	if err != nil {
		return "", fmt.Errorf("building download request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading extract: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading extract: HTTP %d", resp.StatusCode)
	}

	f, err := os.CreateTemp("", "grants-extract-*.zip")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("saving extract: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("saving extract: %w", err)
	}
	return f.Name(), nil
}

// synopsis mirrors the fields read from one OpportunitySynopsisDetail_1_0
// element. Namespaces are ignored by matching on local names.
type synopsis struct {
	OpportunityID                string   `xml:"OpportunityID"`
	OpportunityTitle             string   `xml:"OpportunityTitle"`
	Description                  string   `xml:"Description"`
	AgencyName                   string   `xml:"AgencyName"`
	CloseDate                    string   `xml:"CloseDate"`
	EstimatedTotalProgramFunding string   `xml:"EstimatedTotalProgramFunding"`
	CFDANumbers                  []string `xml:"CFDANumber"`
	AdditionalInformationURL     string   `xml:"AdditionalInformationURL"`
}

// decode streams synopsis elements from r and emits them. A malformed
// element is emitted as a record carrying Err; a broken document stops the
// decode.
func (s *Source) decode(ctx context.Context, r io.Reader, emit func(opportunity.RawRecord) error) (int, error) {
	dec := xml.NewDecoder(r)
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		tok, err := dec.Token()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("reading extract XML: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != synopsisElement {
			continue
		}

		var syn synopsis
		rec := opportunity.RawRecord{Source: opportunity.SourceGrants}
		if err := dec.DecodeElement(&syn, &start); err != nil {
			var synErr *xml.SyntaxError
			if errors.As(err, &synErr) {
				return n, fmt.Errorf("reading extract XML: %w", err)
			}
			rec.Err = fmt.Errorf("decoding %s: %w", synopsisElement, err)
		} else {
			rec = s.toRaw(syn)
		}
		n++
		if err := emit(rec); err != nil {
			return n, err
		}
	}
}

func (s *Source) toRaw(syn synopsis) opportunity.RawRecord {
	id := strings.TrimSpace(syn.OpportunityID)
	link := strings.TrimSpace(syn.AdditionalInformationURL)
	if link == "" && id != "" {
		link = s.cfg.ViewURLPrefix + id
	}
	return opportunity.RawRecord{
		Source:        opportunity.SourceGrants,
		ID:            id,
		Title:         syn.OpportunityTitle,
		Description:   syn.Description,
		Agency:        syn.AgencyName,
		Deadline:      syn.CloseDate,
		FundingAmount: syn.EstimatedTotalProgramFunding,
		CFDANumbers:   syn.CFDANumbers,
		URL:           link,
	}
}
