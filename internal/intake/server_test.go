package intake

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverbend/signalbot/internal/dispatcher"
	"github.com/riverbend/signalbot/internal/events"
	"github.com/riverbend/signalbot/internal/models"
	"github.com/riverbend/signalbot/internal/sequencer"
)

func testServer(t *testing.T, secret string) (*Server, *sequencer.Sequencer) {
	t.Helper()
	seq := sequencer.New(0, 0, func(ctx context.Context, sig models.Signal) {}, nil)
	s := NewServer(Config{Secret: secret}, seq, events.New(nil), nil, nil)
	return s, seq
}

func doRequest(t *testing.T, s *Server, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec.Result()
}

func TestHealthEndpointRequiresNoAuth(t *testing.T) {
	s, _ := testServer(t, "topsecret")
	resp := doRequest(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhookRejectsMissingToken(t *testing.T) {
	s, _ := testServer(t, "topsecret")
	resp := doRequest(t, s, http.MethodPost, "/webhook", `{"symbol":"EURUSD","side":"LONG","entry":1.1,"sl":1.09,"tp":1.12}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebhookAcceptsBearerToken(t *testing.T) {
	s, seq := testServer(t, "topsecret")
	resp := doRequest(t, s, http.MethodPost, "/webhook",
		`{"symbol":"EURUSD","side":"LONG","entry":1.1,"sl":1.09,"tp":1.12}`,
		map[string]string{"Authorization": "Bearer topsecret", "Content-Type": "application/json"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, seq.Depth()) // the sequencer's own worker isn't running in this test
}

func TestWebhookAcceptsTokenInBody(t *testing.T) {
	s, _ := testServer(t, "topsecret")
	resp := doRequest(t, s, http.MethodPost, "/webhook",
		`{"symbol":"EURUSD","side":"LONG","entry":1.1,"sl":1.09,"tp":1.12,"token":"topsecret"}`,
		map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"status":"queued"`)
}

func TestWebhookRejectsWrongToken(t *testing.T) {
	s, _ := testServer(t, "topsecret")
	resp := doRequest(t, s, http.MethodPost, "/webhook",
		`{"symbol":"EURUSD","side":"LONG","entry":1.1,"sl":1.09,"tp":1.12}`,
		map[string]string{"Authorization": "Bearer wrongtoken", "Content-Type": "application/json"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebhookRejectsInvalidSignal(t *testing.T) {
	s, _ := testServer(t, "topsecret")
	resp := doRequest(t, s, http.MethodPost, "/webhook",
		`{"symbol":"EURUSD","side":"LONG","entry":1.1,"sl":1.2,"tp":1.3}`,
		map[string]string{"Authorization": "Bearer topsecret", "Content-Type": "application/json"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookTestDoesNotEnqueue(t *testing.T) {
	s, seq := testServer(t, "topsecret")
	before := seq.Depth()
	resp := doRequest(t, s, http.MethodPost, "/webhook/test",
		`{"symbol":"EURUSD","side":"LONG","entry":1.1,"sl":1.09,"tp":1.12}`,
		map[string]string{"Authorization": "Bearer topsecret", "Content-Type": "application/json"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, before, seq.Depth())
}

func TestWebhookAcceptsFreeTextBody(t *testing.T) {
	s, _ := testServer(t, "topsecret")
	resp := doRequest(t, s, http.MethodPost, "/webhook",
		"LONG EURUSD\nEntry: 1.1000\nSL: 1.0950\nTP: 1.1100",
		map[string]string{"Authorization": "Bearer topsecret", "Content-Type": "text/plain"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestStatusReportsQueueDepth(t *testing.T) {
	s, seq := testServer(t, "topsecret")
	seq.Enqueue(models.Signal{Symbol: "EURUSD"})

	resp := doRequest(t, s, http.MethodGet, "/status", "", map[string]string{"Authorization": "Bearer topsecret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"queue_depth":1`)
}

func TestStatusReportsUptimeAndAccountOutcomes(t *testing.T) {
	seq := sequencer.New(0, 0, func(ctx context.Context, sig models.Signal) {}, nil)
	startedAt := time.Now().UTC().Add(-time.Minute)
	statusFn := func() StatusSnapshot {
		return StatusSnapshot{
			StartedAt: startedAt,
			AccountOutcomes: map[string]dispatcher.AccountOutcome{
				"acct1": {Outcome: models.OutcomeSubmitted, OrderID: "ord-1"},
			},
		}
	}
	s := NewServer(Config{Secret: "topsecret"}, seq, events.New(nil), nil, statusFn)

	resp := doRequest(t, s, http.MethodGet, "/status", "", map[string]string{"Authorization": "Bearer topsecret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"ord-1"`)
	assert.NotContains(t, string(b), `"uptime_seconds":0`)
}

func TestQueueReportsOldestSignalAge(t *testing.T) {
	s, seq := testServer(t, "topsecret")
	seq.Enqueue(models.Signal{Symbol: "EURUSD", ReceivedAt: time.Now().Add(-5 * time.Second)})

	resp := doRequest(t, s, http.MethodGet, "/queue", "", map[string]string{"Authorization": "Bearer topsecret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"oldest_age_seconds"`)
}

func TestQueueOmitsOldestAgeWhenEmpty(t *testing.T) {
	s, _ := testServer(t, "topsecret")

	resp := doRequest(t, s, http.MethodGet, "/queue", "", map[string]string{"Authorization": "Bearer topsecret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "oldest_age_seconds")
}

func TestIPAllowListBlocksUnlistedAddresses(t *testing.T) {
	seq := sequencer.New(0, 0, func(ctx context.Context, sig models.Signal) {}, nil)
	s := NewServer(Config{Secret: "topsecret", AllowedIPs: []string{"10.0.0.1"}}, seq, events.New(nil), nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString("{}"))
	req.RemoteAddr = "203.0.113.5:1234"
	req.Header.Set("Authorization", "Bearer topsecret")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Result().StatusCode)
}

func TestIPAllowListAdmitsConfiguredAddress(t *testing.T) {
	seq := sequencer.New(0, 0, func(ctx context.Context, sig models.Signal) {}, nil)
	s := NewServer(Config{Secret: "topsecret", AllowedIPs: []string{"10.0.0.1"}}, seq, events.New(nil), nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhook",
		bytes.NewBufferString(`{"symbol":"EURUSD","side":"LONG","entry":1.1,"sl":1.09,"tp":1.12}`))
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("Authorization", "Bearer topsecret")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Result().StatusCode)
}
