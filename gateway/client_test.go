package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/loadrun/config"
	"github.com/perfgo/loadrun/model"
	"github.com/perfgo/loadrun/runerr"
)

const tenant = "42"

// fakeService records requests and serves canned responses by path.
type fakeService struct {
	t       *testing.T
	mu      sync.Mutex
	calls   map[string]int
	routes  map[string]http.HandlerFunc
	queries map[string]string
}

func newFakeService(t *testing.T) (*fakeService, *httptest.Server) {
	f := &fakeService{
		t:       t,
		calls:   map[string]int{},
		routes:  map[string]http.HandlerFunc{},
		queries: map[string]string{},
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeService) handle(method, path string, h http.HandlerFunc) {
	f.routes[method+" "+path] = h
}

func (f *fakeService) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method+" "+path]
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	f.mu.Lock()
	f.calls[key]++
	f.queries[key] = r.URL.RawQuery
	f.mu.Unlock()

	if got := r.URL.Query().Get(tenantParam); got != tenant {
		http.Error(w, "missing tenant", http.StatusBadRequest)
		return
	}
	h, ok := f.routes[key]
	if !ok {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func openClient(t *testing.T, srv *httptest.Server, creds config.Credentials, opts ...Option) *Client {
	t.Helper()
	cfg := config.ServerConfig{
		BaseURL:     srv.URL,
		TenantID:    tenant,
		Credentials: creds,
	}
	opts = append([]Option{
		WithRetryPolicy(RetryPolicy{Attempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
		WithReportInterval(time.Millisecond),
	}, opts...)
	c, err := Open(cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

var basic = config.BasicAuth{Username: "jane", Password: "secret"}

var handle = model.RunHandle{RunID: 1001, TestID: 42, ProjectID: 7}

func TestMapStatus(t *testing.T) {
	tests := map[string]model.RunState{
		"PENDING":         model.RunStateQueued,
		"queued":          model.RunStateQueued,
		"INITIALIZING":    model.RunStateInitializing,
		"RUNNING":         model.RunStateRunning,
		"CHECKING_STATUS": model.RunStateRunning,
		"STOPPING":        model.RunStateStopping,
		"PASSED":          model.RunStatePassed,
		"FAILED":          model.RunStateFailed,
		"HALTED":          model.RunStateFailed,
		"SYSTEM_ERROR":    model.RunStateFailed,
		"ABORTED":         model.RunStateAborted,
		"":                model.RunStateUnknown,
		"EXPLODED":        model.RunStateUnknown,
	}
	for raw, want := range tests {
		assert.Equal(t, want, MapStatus(raw), "raw status %q", raw)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	_, err := Open(config.ServerConfig{BaseURL: "ftp://x", TenantID: tenant, Credentials: basic}, zerolog.Nop())
	assert.ErrorIs(t, err, runerr.ErrConfiguration)
}

func TestLoginBasic(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, "/v1/auth", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "jane", body["user"])
		assert.Equal(t, "secret", body["password"])
		writeJSON(w, map[string]string{"token": "cookie-value"})
	})
	f.handle(http.MethodGet, "/v1/projects", func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(cookieName)
		if assert.NoError(t, err) {
			assert.Equal(t, "cookie-value", cookie.Value)
		}
		writeJSON(w, []map[string]any{{"id": 7, "name": "default"}})
	})

	c := openClient(t, srv, basic)
	require.NoError(t, c.Login(context.Background()))
	assert.Equal(t, 1, f.count(http.MethodPost, "/v1/auth"))
	assert.Equal(t, 1, f.count(http.MethodGet, "/v1/projects"))
}

func TestLoginOAuth(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, "/v1/auth-client", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "client", body["client_id"])
		assert.Equal(t, "s3cret", body["client_secret"])
		writeJSON(w, map[string]string{"token": "bearer-value"})
	})
	f.handle(http.MethodGet, "/v1/projects", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer bearer-value", r.Header.Get("Authorization"))
		writeJSON(w, []any{})
	})

	c := openClient(t, srv, config.OAuthClientCredentials{ClientID: "client", ClientSecret: "s3cret"})
	require.NoError(t, c.Login(context.Background()))
	// The token is reused for later calls.
	require.NoError(t, c.validateTenant(context.Background()))
	assert.Equal(t, 1, f.count(http.MethodPost, "/v1/auth-client"))
	assert.Equal(t, 2, f.count(http.MethodGet, "/v1/projects"))
}

var oauthCreds = config.OAuthClientCredentials{ClientID: "client", ClientSecret: "s3cret"}

func TestLoginOAuthStopsWhenCanceled(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, "/v1/auth-client", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
		writeJSON(w, map[string]string{"token": "late"})
	})

	c := openClient(t, srv, oauthCreds)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Login(ctx)
	assert.ErrorIs(t, err, runerr.ErrCanceled)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, f.count(http.MethodPost, "/v1/auth-client"))
}

func TestTokenRefreshEndsWithClose(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, "/v1/auth-client", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"token": "t"})
	})

	c := openClient(t, srv, oauthCreds)
	require.NoError(t, c.Close())

	_, err := c.GetStatus(context.Background(), handle)
	assert.ErrorIs(t, err, runerr.ErrCanceled)
	assert.Equal(t, 0, f.count(http.MethodPost, "/v1/auth-client"))
}

func TestOAuthReauthenticatesOnUnauthorized(t *testing.T) {
	f, srv := newFakeService(t)
	var mu sync.Mutex
	issued := 0
	f.handle(http.MethodPost, "/v1/auth-client", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		issued++
		token := fmt.Sprintf("t%d", issued)
		mu.Unlock()
		// No expiresIn: the token never expires on its own.
		writeJSON(w, map[string]string{"token": token})
	})
	f.handle(http.MethodGet, "/v1/projects", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []any{})
	})
	path := "/v1/projects/7/load-tests/42/runs/1001/status"
	f.handle(http.MethodGet, path, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]string{"status": "RUNNING"})
	})

	c := openClient(t, srv, oauthCreds)
	require.NoError(t, c.Login(context.Background()))

	state, err := c.GetStatus(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateRunning, state)
	assert.Equal(t, 2, f.count(http.MethodPost, "/v1/auth-client"))
	assert.Equal(t, 2, f.count(http.MethodGet, path))
}

func TestOAuthRejectedTokenIsReauthenticatedOnce(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, "/v1/auth-client", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"token": "t"})
	})
	path := "/v1/projects/7/load-tests/42/runs/1001/status"
	f.handle(http.MethodGet, path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	c := openClient(t, srv, oauthCreds)
	_, err := c.GetStatus(context.Background(), handle)
	assert.ErrorIs(t, err, runerr.ErrAuth)
	assert.Equal(t, 2, f.count(http.MethodPost, "/v1/auth-client"))
	assert.Equal(t, 2, f.count(http.MethodGet, path))
}

func TestLoginRateLimitedIsNotRejection(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, "/v1/auth", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	c := openClient(t, srv, basic)
	err := c.Login(context.Background())
	assert.ErrorIs(t, err, runerr.ErrTransient)
	assert.NotErrorIs(t, err, runerr.ErrAuth)
	assert.Equal(t, 3, f.count(http.MethodPost, "/v1/auth"))
}

func TestLoginRejected(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, "/v1/auth", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusBadRequest)
	})

	c := openClient(t, srv, basic)
	err := c.Login(context.Background())
	assert.ErrorIs(t, err, runerr.ErrAuth)
	assert.Equal(t, 1, f.count(http.MethodPost, "/v1/auth"))
	assert.Equal(t, 0, f.count(http.MethodGet, "/v1/projects"))
}

func TestTenantRejected(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, "/v1/auth", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"token": "t"})
	})
	f.handle(http.MethodGet, "/v1/projects", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	c := openClient(t, srv, basic)
	assert.ErrorIs(t, c.Login(context.Background()), runerr.ErrAuth)
}

func TestStartRun(t *testing.T) {
	f, srv := newFakeService(t)
	path := "/v1/projects/7/load-tests/42/runs"
	f.handle(http.MethodPost, path, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("sendEmail"))
		assert.Equal(t, "ci", r.URL.Query().Get("initiator"))
		writeJSON(w, map[string]int{"runId": 1001})
	})

	cfg := config.ServerConfig{BaseURL: srv.URL, TenantID: tenant, Credentials: basic, Initiator: "ci"}
	c, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	h, err := c.StartRun(context.Background(), model.NewRunDescriptor(42, 7, model.DescriptorOptions{SendEmail: true}))
	require.NoError(t, err)
	assert.Equal(t, handle, h)
}

func TestGetStatusRetriesTransientFailures(t *testing.T) {
	f, srv := newFakeService(t)
	path := "/v1/projects/7/load-tests/42/runs/1001/status"
	var n int
	f.handle(http.MethodGet, path, func(w http.ResponseWriter, r *http.Request) {
		n++
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]string{"status": "RUNNING", "detailedStatus": "RUNNING"})
	})

	c := openClient(t, srv, basic)
	state, err := c.GetStatus(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateRunning, state)
	assert.Equal(t, 3, f.count(http.MethodGet, path))
}

func TestGetStatusRetriesExhausted(t *testing.T) {
	f, srv := newFakeService(t)
	path := "/v1/projects/7/load-tests/42/runs/1001/status"
	f.handle(http.MethodGet, path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	c := openClient(t, srv, basic)
	_, err := c.GetStatus(context.Background(), handle)
	assert.ErrorIs(t, err, runerr.ErrTransient)
	assert.Equal(t, 3, f.count(http.MethodGet, path))
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		code int
		want error
	}{
		{name: "bad request", code: http.StatusBadRequest, want: runerr.ErrFatal},
		{name: "not found", code: http.StatusNotFound, want: runerr.ErrFatal},
		{name: "unauthorized", code: http.StatusUnauthorized, want: runerr.ErrAuth},
		{name: "forbidden", code: http.StatusForbidden, want: runerr.ErrAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeService(t)
			path := "/v1/projects/7/load-tests/42/runs/1001/status"
			f.handle(http.MethodGet, path, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			})

			c := openClient(t, srv, basic)
			_, err := c.GetStatus(context.Background(), handle)
			assert.ErrorIs(t, err, tt.want)
			assert.NotErrorIs(t, err, runerr.ErrTransient)
			assert.Equal(t, 1, f.count(http.MethodGet, path))
		})
	}
}

func TestMalformedResponseIsFatal(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodGet, "/v1/projects/7/load-tests/42/runs/1001/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("<html>"))
	})

	c := openClient(t, srv, basic)
	_, err := c.GetStatus(context.Background(), handle)
	assert.ErrorIs(t, err, runerr.ErrFatal)
}

func TestCanceledContextStopsRetries(t *testing.T) {
	_, srv := newFakeService(t)
	c := openClient(t, srv, basic)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetStatus(ctx, handle)
	assert.ErrorIs(t, err, runerr.ErrCanceled)
}

func TestCancelRun(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPut, "/v1/test-runs/1001/status", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "STOP", r.URL.Query().Get("action"))
		w.WriteHeader(http.StatusOK)
	})

	c := openClient(t, srv, basic)
	require.NoError(t, c.CancelRun(context.Background(), handle))
	assert.Equal(t, 1, f.count(http.MethodPut, "/v1/test-runs/1001/status"))
}

func TestListArtifacts(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodGet, "/v1/test-runs/1001/results", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"uiStatus": "PASSED"})
	})

	c := openClient(t, srv, basic)
	refs, err := c.ListArtifacts(context.Background(), handle)
	require.NoError(t, err)

	var names []string
	for _, ref := range refs {
		names = append(names, ref.Name)
		assert.Equal(t, handle, ref.Run)
	}
	assert.Equal(t, []string{
		"lrc_report_summary_42-1001.json",
		"lrc_report_42-1001.csv",
		"lrc_report_42-1001.pdf",
		"lrc_report_trans_42-1001.csv",
	}, names)

	c = openClient(t, srv, basic, WithReportTypes(ReportTypeCSV))
	refs, err = c.ListArtifacts(context.Background(), handle)
	require.NoError(t, err)
	assert.Len(t, refs, 3)
}

func TestListArtifactsWithoutResults(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodGet, "/v1/test-runs/1001/results", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	c := openClient(t, srv, basic)
	_, err := c.ListArtifacts(context.Background(), handle)
	assert.ErrorIs(t, err, runerr.ErrTransient)
}

func TestFetchReportWaitsUntilReady(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, "/v1/projects/7/test-runs/1001/reports", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "pdf", body["reportType"])
		writeJSON(w, map[string]int{"reportId": 55})
	})
	var polls int
	f.handle(http.MethodGet, "/v1/test-runs/reports/55", func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls < 3 {
			writeJSON(w, map[string]string{"message": "In progress"})
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("%PDF-1.4"))
	})

	c := openClient(t, srv, basic)
	ref := model.ArtifactRef{Name: "r.pdf", Kind: model.ArtifactKindReport, ReportType: ReportTypePDF, Run: handle}
	data, err := c.FetchArtifact(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))
	assert.Equal(t, 3, polls)
}

func TestFetchReportNeverReady(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodPost, "/v1/projects/7/test-runs/1001/reports", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]int{"reportId": 56})
	})
	f.handle(http.MethodGet, "/v1/test-runs/reports/56", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"message": "In progress"})
	})

	c := openClient(t, srv, basic, WithReportTries(ReportTypeCSV, 4))
	ref := model.ArtifactRef{Name: "r.csv", Kind: model.ArtifactKindReport, ReportType: ReportTypeCSV, Run: handle}
	_, err := c.FetchArtifact(context.Background(), ref)
	assert.ErrorIs(t, err, runerr.ErrArtifact)
	assert.Equal(t, 4, f.count(http.MethodGet, "/v1/test-runs/reports/56"))
}

func TestFetchTransactions(t *testing.T) {
	f, srv := newFakeService(t)
	f.handle(http.MethodGet, "/v1/test-runs/1001/transactions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"name":"Login","loadTestScriptId":4403,"scriptName":"Shop, checkout","breakers":0,
			"slaStatus":"N/A","slaThreshold":null,"slaTrend":0.5,"passed":2,"failed":1,
			"avgTRT":1.25,"minTRT":1,"maxTRT":1.5,"percentileTRT":1.5,"stdDeviation":0.25}]`))
	})

	c := openClient(t, srv, basic)
	ref := model.ArtifactRef{Name: "t.csv", Kind: model.ArtifactKindTransactions, Run: handle}
	data, err := c.FetchArtifact(context.Background(), ref)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "Script Name,Transaction,%Breakers"))
	assert.Equal(t, `"Shop, checkout",Login,0,N/A,1.25,1,1.5,0.25,2,1,1.5,,0.5`, lines[1])
}

func TestCloseIsIdempotent(t *testing.T) {
	_, srv := newFakeService(t)
	c := openClient(t, srv, basic)
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
