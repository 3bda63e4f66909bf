package sam

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/propbot/propbot/internal/opportunity"
	"github.com/propbot/propbot/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSource(baseURL string) *Source {
	s := New(config.SAMConfig{
		BaseURL:      baseURL,
		APIKey:       "test-key",
		LookbackDays: 90,
		PageSize:     2,
		MaxAttempts:  3,
		Timeout:      5 * time.Second,
	})
	s.now = func() time.Time { return time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC) }
	return s
}

func TestFetch_PaginatesUntilEmptyPage(t *testing.T) {
	pages := map[string]string{
		"0": `{"totalRecords":0,"opportunitiesData":[
			{"noticeId":"N1","title":"Kubernetes support","department":"DEPT OF DEFENSE",
			 "responseDeadLine":"2025-07-01T17:00:00-04:00","naicsCode":"541512","type":"Solicitation",
			 "description":"https://api.sam.gov/prod/opportunities/v1/noticedesc?noticeid=N1"},
			{"noticeId":"N2","title":"RFI cloud","fullParentPathName":"GSA.FAS","archiveDate":"2025-08-01",
			 "naicsCode":["518210","541511"],"type":"Sources Sought"}]}`,
		"2": `{"opportunitiesData":[{"noticeId":"N3","title":"Networking","naicsCode":517110}]}`,
		"4": `{"opportunitiesData":[]}`,
	}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		assert.Equal(t, "test-key", q.Get("api_key"))
		assert.Equal(t, "03/12/2025", q.Get("postedFrom"))
		assert.Equal(t, "06/10/2025", q.Get("postedTo"))
		assert.Equal(t, "2", q.Get("limit"))
		w.Write([]byte(pages[q.Get("offset")]))
	}))
	defer srv.Close()

	var got []opportunity.RawRecord
	err := testSource(srv.URL).Fetch(context.Background(), func(r opportunity.RawRecord) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, got, 3)

	assert.Equal(t, "N1", got[0].ID)
	assert.Equal(t, "DEPT OF DEFENSE", got[0].Agency)
	assert.Equal(t, "2025-07-01T17:00:00-04:00", got[0].Deadline)
	assert.Equal(t, "541512", got[0].NAICSCode)
	assert.Equal(t, "https://sam.gov/opp/N1/view", got[0].URL)

	assert.Equal(t, "GSA.FAS", got[1].Agency)
	assert.Equal(t, "2025-08-01", got[1].Deadline)
	assert.Equal(t, "518210", got[1].NAICSCode)
	assert.Equal(t, "Sources Sought", got[1].NoticeType)

	assert.Equal(t, "517110", got[2].NAICSCode)
}

func TestFetch_StopsAtTotalRecords(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"totalRecords":1,"opportunitiesData":[{"noticeId":"N1","title":"t"}]}`))
	}))
	defer srv.Close()

	err := testSource(srv.URL).Fetch(context.Background(), func(opportunity.RawRecord) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"opportunitiesData":[]}`))
	}))
	defer srv.Close()

	err := testSource(srv.URL).Fetch(context.Background(), func(opportunity.RawRecord) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetch_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := testSource(srv.URL).Fetch(context.Background(), func(opportunity.RawRecord) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 403")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_MalformedNoticeBecomesInvalidRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") != "0" {
			w.Write([]byte(`{"opportunitiesData":[]}`))
			return
		}
		w.Write([]byte(`{"opportunitiesData":[{"noticeId":42},{"noticeId":"N2","title":"ok"}]}`))
	}))
	defer srv.Close()

	var got []opportunity.RawRecord
	err := testSource(srv.URL).Fetch(context.Background(), func(r opportunity.RawRecord) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Error(t, got[0].Err)
	assert.NoError(t, got[1].Err)
}

func TestFetch_RequiresAPIKey(t *testing.T) {
	s := New(config.SAMConfig{})
	err := s.Fetch(context.Background(), func(opportunity.RawRecord) error { return nil })
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestResources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "N1", r.URL.Query().Get("noticeid"))
		json.NewEncoder(w).Encode(map[string]any{
			"opportunitiesData": []map[string]any{{
				"noticeId":    "N1",
				"description": "https://api.sam.gov/prod/opportunities/v1/noticedesc?noticeid=N1",
				"resourceLinks": []any{
					"https://sam.gov/api/prod/opps/v3/opportunities/resources/files/abc/download",
					map[string]string{"name": "Attachment 1 - PWS.docx", "url": "https://example.test/pws"},
					map[string]string{"name": "no url"},
				},
			}},
		})
	}))
	defer srv.Close()

	res, err := testSource(srv.URL).Resources(context.Background(), "N1")
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, "attachment_0.pdf", res[0].Name)
	assert.Equal(t, "Attachment 1 - PWS.docx", res[1].Name)
	assert.True(t, res[2].Description)
	assert.Equal(t, "description.html", res[2].Name)
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	d, err := testSource(srv.URL).Download(context.Background(), srv.URL+"/file", 4)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", d.ContentType)
	assert.Equal(t, "0123", string(d.Body))
}

func TestWithAPIKey(t *testing.T) {
	s := testSource("http://unused")

	got, err := s.withAPIKey("https://api.sam.gov/prod/opportunities/v1/noticedesc?noticeid=N1")
	require.NoError(t, err)
	assert.Contains(t, got, "api_key=test-key")
	assert.Contains(t, got, "noticeid=N1")

	got, err = s.withAPIKey("https://example.test/file.pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/file.pdf", got)
}

func TestFirstNAICS(t *testing.T) {
	for raw, want := range map[string]string{
		`"541512"`:            "541512",
		`["518210","541511"]`: "518210",
		`541330`:              "541330",
		`null`:                "",
		`[]`:                  "",
		`{"code":"1"}`:        "",
	} {
		assert.Equal(t, want, firstNAICS(json.RawMessage(raw)), raw)
	}
}
