package grants

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/propbot/propbot/internal/opportunity"
	"github.com/propbot/propbot/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const extractXML = `<?xml version="1.0" encoding="UTF-8"?>
<Grants xmlns="http://apply.grants.gov/system/OpportunityDetail-V1.0">
  <OpportunitySynopsisDetail_1_0>
    <OpportunityID>350123</OpportunityID>
    <OpportunityTitle>Cloud Research Infrastructure</OpportunityTitle>
    <Description>Kubernetes clusters for research computing.</Description>
    <AgencyName>National Science Foundation</AgencyName>
    <CloseDate>12312030</CloseDate>
    <EstimatedTotalProgramFunding>2000000</EstimatedTotalProgramFunding>
    <CFDANumber>47.070</CFDANumber>
    <CFDANumber>47.041</CFDANumber>
  </OpportunitySynopsisDetail_1_0>
  <OpportunityForecastDetail_1_0>
    <OpportunityID>999</OpportunityID>
  </OpportunityForecastDetail_1_0>
  <OpportunitySynopsisDetail_1_0>
    <OpportunityID>350124</OpportunityID>
    <OpportunityTitle>Rural Broadband</OpportunityTitle>
    <CloseDate>01152031</CloseDate>
    <AdditionalInformationURL>https://example.test/broadband</AdditionalInformationURL>
  </OpportunitySynopsisDetail_1_0>
</Grants>`

func buildZip(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newExtractServer(t *testing.T, archive []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /xml-extract/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><ul>
			<li><a class="usa-link" href="GrantsDBExtract20250101v2.zip">old</a></li>
			<li><a class="usa-link" href="GrantsDBExtract20250603v2.zip">new</a></li>
			<li><a href="/about">about</a></li>
		</ul></body></html>`))
	})
	mux.HandleFunc("GET /xml-extract/GrantsDBExtract20250603v2.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(srv *httptest.Server) config.GrantsConfig {
	return config.GrantsConfig{
		ExtractURL:    srv.URL + "/xml-extract/",
		DetailsURL:    srv.URL + "/v1/api/fetchOpportunity",
		ViewURLPrefix: "https://www.grants.gov/web/grants/view-opportunity.html?oppId=",
		Timeout:       5 * time.Second,
	}
}

func TestLatestExtract_PicksNewestArchive(t *testing.T) {
	srv := newExtractServer(t, nil)
	s := New(testConfig(srv))

	got, err := s.LatestExtract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/xml-extract/GrantsDBExtract20250603v2.zip", got)
}

func TestFetch_StreamsSynopses(t *testing.T) {
	srv := newExtractServer(t, buildZip(t, "GrantsDBExtract20250603v2.xml", extractXML))
	s := New(testConfig(srv))

	var got []opportunity.RawRecord
	err := s.Fetch(context.Background(), func(r opportunity.RawRecord) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	first := got[0]
	assert.NoError(t, first.Err)
	assert.Equal(t, opportunity.SourceGrants, first.Source)
	assert.Equal(t, "350123", first.ID)
	assert.Equal(t, "12312030", first.Deadline)
	assert.Equal(t, "2000000", first.FundingAmount)
	assert.Equal(t, []string{"47.070", "47.041"}, first.CFDANumbers)
	assert.Equal(t, "https://www.grants.gov/web/grants/view-opportunity.html?oppId=350123", first.URL)

	assert.Equal(t, "https://example.test/broadband", got[1].URL)
}

func TestFetch_ArchiveWithoutXML(t *testing.T) {
	srv := newExtractServer(t, buildZip(t, "readme.txt", "nothing here"))
	s := New(testConfig(srv))

	err := s.Fetch(context.Background(), func(opportunity.RawRecord) error { return nil })
	assert.ErrorContains(t, err, "no XML file")
}

func TestFetch_BrokenXMLFails(t *testing.T) {
	broken := strings.Replace(extractXML, "</Grants>", "<OpportunitySynopsisDetail_1_0><OpportunityID>1", 1)
	srv := newExtractServer(t, buildZip(t, "extract.xml", broken))
	s := New(testConfig(srv))

	n := 0
	err := s.Fetch(context.Background(), func(opportunity.RawRecord) error { n++; return nil })
	require.Error(t, err)
	assert.Equal(t, 2, n, "records before the damage are still emitted")
}

func TestLatestExtract_NoArchives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>maintenance</body></html>`))
	}))
	defer srv.Close()
	s := New(config.GrantsConfig{ExtractURL: srv.URL, Timeout: time.Second})

	_, err := s.LatestExtract(context.Background())
	assert.ErrorContains(t, err, "no ZIP archives")
}

func TestDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "350123", body["opportunityId"])
		w.Write([]byte(`{"data":{
			"opportunityNumber":"NSF-25-001",
			"synopsis":{"synopsisDesc":"Research cloud","numberOfAwards":3,
				"fundingInstruments":[{"description":"Grant"}],"awardCeilingFormatted":"$500,000"},
			"fundingActivityCategories":[{"description":"Science and Technology"}],
			"synopsisAttachmentFolders":[{"synopsisAttachments":[{"fileName":"nofo.pdf","fileUrl":"https://example.test/nofo.pdf"}]}]
		}}`))
	}))
	defer srv.Close()

	s := New(config.GrantsConfig{DetailsURL: srv.URL, Timeout: time.Second})
	d, err := s.Details(context.Background(), "350123")
	require.NoError(t, err)
	assert.Equal(t, "NSF-25-001", d.OpportunityNumber)
	assert.Equal(t, "3", d.NumberOfAwards)
	assert.Equal(t, []string{"Grant"}, d.FundingInstruments)
	assert.Equal(t, []string{"Science and Technology"}, d.FundingActivityCategories)
	require.Len(t, d.Attachments, 1)
	assert.Equal(t, "nofo.pdf", d.Attachments[0].FileName)
}
