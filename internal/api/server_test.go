package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ruoliu2/partassist/internal/agent"
	"github.com/ruoliu2/partassist/internal/catalog"
	"github.com/ruoliu2/partassist/internal/config"
	iduuid "github.com/ruoliu2/partassist/internal/id/uuid"
	"github.com/ruoliu2/partassist/internal/ingest"
	"github.com/ruoliu2/partassist/internal/metrics"
	"github.com/ruoliu2/partassist/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type fakeRunner struct {
	answer     agent.Answer
	deltas     []string
	blockOnCtx bool
}

func (f *fakeRunner) Run(ctx context.Context, query string, onDelta func(string)) (agent.Answer, error) {
	if f.blockOnCtx {
		<-ctx.Done()
		return agent.Answer{RunID: f.answer.RunID, Text: "", Outcome: agent.OutcomeCancelled}, nil
	}
	for _, d := range f.deltas {
		onDelta(d)
	}
	return f.answer, nil
}

func (f *fakeRunner) RunSync(ctx context.Context, query string) (agent.Answer, error) {
	return f.Run(ctx, query, func(string) {})
}

func (f *fakeRunner) SummarizeTitle(_ context.Context, query string) string {
	return "Title: " + query
}

type fakeAPIEngine struct {
	compat catalog.CompatibilityResult
}

func (f *fakeAPIEngine) CheckCompatibility(_ context.Context, modelNumber, partNumber string) (catalog.CompatibilityResult, error) {
	return f.compat, nil
}

func (f *fakeAPIEngine) SearchContent(context.Context, string, int) ([]catalog.Snippet, error) {
	return nil, nil
}

func (f *fakeAPIEngine) Retrieve(context.Context, string) (catalog.RetrievalResult, error) {
	return catalog.RetrievalResult{}, nil
}

type fakeCrawls struct {
	started chan catalog.RunMode
}

func (f *fakeCrawls) Run(_ context.Context, mode catalog.RunMode, seeds []string, force bool) (ingest.RunSummary, error) {
	f.started <- mode
	return ingest.RunSummary{RunID: "run-1", Status: string(catalog.RunDone)}, nil
}

type fixture struct {
	server *httptest.Server
	runner *fakeRunner
	crawls *fakeCrawls
	traces *memory.TraceStore
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	runner := &fakeRunner{
		answer: agent.Answer{
			RunID:   "run-1",
			Text:    "Yes, it fits.",
			Intent:  agent.IntentCompatibility,
			Outcome: agent.OutcomeCompleted,
		},
		deltas: []string{"Yes, ", "it fits."},
	}
	crawls := &fakeCrawls{started: make(chan catalog.RunMode, 1)}
	traces := memory.NewTraceStore()
	engine := &fakeAPIEngine{compat: catalog.CompatibilityResult{
		ModelNumber: "WDT780SAEM1",
		PartNumber:  "PS11750093",
		Compatible:  true,
		Confidence:  0.98,
	}}
	s := NewServer(runner, engine, traces, crawls, iduuid.Generator{}, cfg, zap.NewNop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &fixture{server: ts, runner: runner, crawls: crawls, traces: traces}
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.name != "":
			return ev
		}
	}
}

func TestChatStreamEmitsSessionDeltasAndFinal(t *testing.T) {
	fx := newFixture(t, config.Config{})

	resp := postJSON(t, fx.server.URL+"/v1/chat", chatRequest{Query: "Does PS11750093 fit my WDT780SAEM1?"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	session := readSSE(t, reader)
	require.Equal(t, "session", session.name)
	var sessionPayload map[string]string
	require.NoError(t, json.Unmarshal([]byte(session.data), &sessionPayload))
	assert.NotEmpty(t, sessionPayload["session_id"])

	first := readSSE(t, reader)
	require.Equal(t, "delta", first.name)
	assert.Contains(t, first.data, "Yes, ")

	second := readSSE(t, reader)
	require.Equal(t, "delta", second.name)

	final := readSSE(t, reader)
	require.Equal(t, "final", final.name)
	var answer agent.Answer
	require.NoError(t, json.Unmarshal([]byte(final.data), &answer))
	assert.Equal(t, "Yes, it fits.", answer.Text)
	assert.Equal(t, agent.OutcomeCompleted, answer.Outcome)
}

func TestChatStreamRejectsEmptyQuery(t *testing.T) {
	fx := newFixture(t, config.Config{})

	resp := postJSON(t, fx.server.URL+"/v1/chat", chatRequest{Query: "   "})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatCancelAbortsActiveRun(t *testing.T) {
	fx := newFixture(t, config.Config{})
	fx.runner.blockOnCtx = true

	resp := postJSON(t, fx.server.URL+"/v1/chat", chatRequest{Query: "long question"})
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	session := readSSE(t, reader)
	require.Equal(t, "session", session.name)
	var sessionPayload map[string]string
	require.NoError(t, json.Unmarshal([]byte(session.data), &sessionPayload))
	sessionID := sessionPayload["session_id"]

	cancelResp := postJSON(t, fx.server.URL+"/v1/chat/"+sessionID+"/cancel", struct{}{})
	defer cancelResp.Body.Close()
	require.Equal(t, http.StatusOK, cancelResp.StatusCode)

	final := readSSE(t, reader)
	require.Equal(t, "final", final.name)
	var answer agent.Answer
	require.NoError(t, json.Unmarshal([]byte(final.data), &answer))
	assert.Equal(t, agent.OutcomeCancelled, answer.Outcome)
}

func TestChatCancelUnknownSession(t *testing.T) {
	fx := newFixture(t, config.Config{})

	resp := postJSON(t, fx.server.URL+"/v1/chat/nope/cancel", struct{}{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatSyncReturnsAnswer(t *testing.T) {
	fx := newFixture(t, config.Config{})

	resp := postJSON(t, fx.server.URL+"/v1/chat/sync", chatRequest{Query: "Does it fit?"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var answer agent.Answer
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&answer))
	assert.Equal(t, "Yes, it fits.", answer.Text)
	assert.Equal(t, "run-1", answer.RunID)
}

func TestChatTitle(t *testing.T) {
	fx := newFixture(t, config.Config{})

	resp := postJSON(t, fx.server.URL+"/v1/chat/title", chatRequest{Query: "ice maker broken"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "Title: ice maker broken", payload["title"])
}

func TestCheckCompatibilityEndpoint(t *testing.T) {
	fx := newFixture(t, config.Config{})

	resp := postJSON(t, fx.server.URL+"/v1/compatibility", compatibilityRequest{
		ModelNumber: "WDT780SAEM1",
		PartNumber:  "PS11750093",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res catalog.CompatibilityResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.True(t, res.Compatible)
	assert.InDelta(t, 0.98, res.Confidence, 0.001)
}

func TestTraceEndpoint(t *testing.T) {
	fx := newFixture(t, config.Config{})
	ctx := context.Background()
	require.NoError(t, fx.traces.Append(ctx, catalog.TraceEntry{
		RunID:     "run-9",
		TurnIndex: 0,
		Kind:      catalog.TraceToolCall,
		Payload:   "check_compatibility({})",
		CreatedAt: time.Now(),
	}))

	resp, err := http.Get(fx.server.URL + "/v1/runs/run-9/trace")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		RunID   string               `json:"run_id"`
		Entries []catalog.TraceEntry `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "run-9", payload.RunID)
	require.Len(t, payload.Entries, 1)
	assert.Equal(t, catalog.TraceToolCall, payload.Entries[0].Kind)
}

func TestTraceEndpointUnknownRun(t *testing.T) {
	fx := newFixture(t, config.Config{})

	resp, err := http.Get(fx.server.URL + "/v1/runs/missing/trace")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartCrawlAccepted(t *testing.T) {
	fx := newFixture(t, config.Config{})

	resp := postJSON(t, fx.server.URL+"/v1/crawl", crawlRequest{Mode: "prefetch"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case mode := <-fx.crawls.started:
		assert.Equal(t, catalog.RunModePrefetch, mode)
	case <-time.After(2 * time.Second):
		t.Fatal("crawl never started")
	}
}

func TestStartCrawlRejectsUnknownMode(t *testing.T) {
	fx := newFixture(t, config.Config{})

	resp := postJSON(t, fx.server.URL+"/v1/crawl", crawlRequest{Mode: "turbo"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIKeyMiddleware(t *testing.T) {
	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "secret"
	fx := newFixture(t, cfg)

	resp, err := http.Get(fx.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, fx.server.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	okResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	okResp.Body.Close()
	assert.Equal(t, http.StatusOK, okResp.StatusCode)
}
