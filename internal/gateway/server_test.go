package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/clawgate/internal/agent"
	"github.com/haasonsaas/clawgate/internal/config"
	"github.com/haasonsaas/clawgate/internal/cron"
	"github.com/haasonsaas/clawgate/internal/observability"
	"github.com/haasonsaas/clawgate/pkg/models"
)

type serverFixture struct {
	server   *Server
	ts       *httptest.Server
	hub      *Hub
	provider *stubProvider
}

func newTestServer(t *testing.T, authToken string, jobs []config.JobConfig) *serverFixture {
	t.Helper()

	provider := &stubProvider{scripts: [][]*agent.CompletionChunk{textTurn("stub reply")}}
	d, hub, store := newTestDispatcher(t, provider)

	var scheduler *cron.Scheduler
	if jobs != nil {
		var err error
		scheduler, err = cron.NewScheduler(jobs, d)
		if err != nil {
			t.Fatalf("NewScheduler: %v", err)
		}
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	server, err := NewServer(ServerConfig{
		Gateway:    config.GatewayConfig{AuthToken: authToken},
		Dispatcher: d,
		Store:      store,
		Hub:        hub,
		Scheduler:  scheduler,
		Metrics:    metrics,
		Gatherer:   reg,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &serverFixture{server: server, ts: ts, hub: hub, provider: provider}
}

func (f *serverFixture) request(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	} else {
		payload = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, payload)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	f := newTestServer(t, "secret", nil)
	resp, body := f.request(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"ok"`) {
		t.Fatalf("body = %s", body)
	}
}

func TestBearerAuth(t *testing.T) {
	f := newTestServer(t, "secret", nil)

	cases := []struct {
		name   string
		token  string
		status int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "nope", http.StatusUnauthorized},
		{"correct token", "secret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := f.request(t, http.MethodGet, "/v1/status", tc.token, nil)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
		})
	}
}

func TestAuthDisabledWhenTokenEmpty(t *testing.T) {
	f := newTestServer(t, "", nil)
	resp, _ := f.request(t, http.MethodGet, "/v1/status", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestPostMessageReturnsFinalReply(t *testing.T) {
	f := newTestServer(t, "", nil)

	resp, body := f.request(t, http.MethodPost, "/v1/sessions/api:alice/messages", "",
		map[string]string{"content": "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var final models.Message
	if err := json.Unmarshal(body, &final); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if final.Role != models.RoleAssistant || final.Content != "stub reply" {
		t.Fatalf("reply = %+v", final)
	}

	resp, body = f.request(t, http.MethodGet, "/v1/sessions/api:alice/history", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	var hist struct {
		Messages []*models.Message `json:"messages"`
	}
	if err := json.Unmarshal(body, &hist); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(hist.Messages) != 2 {
		t.Fatalf("history = %d messages, want 2", len(hist.Messages))
	}
}

func TestPostMessageValidation(t *testing.T) {
	f := newTestServer(t, "", nil)

	resp, _ := f.request(t, http.MethodPost, "/v1/sessions/api:alice/messages", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body status = %d", resp.StatusCode)
	}

	resp, _ = f.request(t, http.MethodPost, "/v1/sessions/api:alice/messages", "",
		map[string]string{"content": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank content status = %d", resp.StatusCode)
	}
}

func TestPostMessageReportsProviderFailure(t *testing.T) {
	f := newTestServer(t, "", nil)
	f.provider.mu.Lock()
	f.provider.scripts = [][]*agent.CompletionChunk{{
		{Error: &agent.TransportError{StatusCode: 500}},
	}}
	f.provider.mu.Unlock()

	resp, body := f.request(t, http.MethodPost, "/v1/sessions/api:alice/messages", "",
		map[string]string{"content": "hello"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "error") {
		t.Fatalf("body = %s", body)
	}
}

func TestHistoryOfUnknownSession(t *testing.T) {
	f := newTestServer(t, "", nil)
	resp, _ := f.request(t, http.MethodGet, "/v1/sessions/api:ghost/history", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp, _ = f.request(t, http.MethodGet, "/v1/sessions/api:ghost/history?limit=-1", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", resp.StatusCode)
	}
}

func TestDeleteSession(t *testing.T) {
	f := newTestServer(t, "", nil)

	resp, _ := f.request(t, http.MethodPost, "/v1/sessions/api:alice/messages", "",
		map[string]string{"content": "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post status = %d", resp.StatusCode)
	}

	sub := f.hub.Subscribe("api:alice")
	resp, _ = f.request(t, http.MethodDelete, "/v1/sessions/api:alice", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	waitFor(t, func() bool { return sub.Invalidated() })

	resp, _ = f.request(t, http.MethodDelete, "/v1/sessions/api:alice", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d", resp.StatusCode)
	}
}

func TestJobEndpoints(t *testing.T) {
	jobs := []config.JobConfig{{
		ID:         "digest",
		Schedule:   "every 1h",
		SessionKey: "api:alice",
		Message:    "Daily digest please.",
	}}
	f := newTestServer(t, "", jobs)

	resp, body := f.request(t, http.MethodGet, "/v1/jobs", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list struct {
		Jobs []cron.JobInfo `json:"jobs"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("unmarshal jobs: %v", err)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].ID != "digest" {
		t.Fatalf("jobs = %+v", list.Jobs)
	}

	resp, body = f.request(t, http.MethodPost, "/v1/jobs/digest/disable", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status = %d", resp.StatusCode)
	}
	var info cron.JobInfo
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if info.Enabled {
		t.Fatal("job still enabled after disable")
	}

	resp, body = f.request(t, http.MethodPost, "/v1/jobs/digest/enable", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if !info.Enabled {
		t.Fatal("job still disabled after enable")
	}

	// Manual run drives a real turn through the dispatcher.
	resp, _ = f.request(t, http.MethodPost, "/v1/jobs/digest/run", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run status = %d", resp.StatusCode)
	}
	if f.provider.callCount() != 1 {
		t.Fatalf("provider calls after manual run = %d", f.provider.callCount())
	}

	resp, _ = f.request(t, http.MethodPost, "/v1/jobs/missing/run", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status = %d", resp.StatusCode)
	}
}

func TestJobCreateAndDelete(t *testing.T) {
	jobs := []config.JobConfig{{
		ID:         "digest",
		Schedule:   "every 1h",
		SessionKey: "api:alice",
		Message:    "Daily digest please.",
	}}
	f := newTestServer(t, "", jobs)

	create := map[string]any{
		"id":          "standup",
		"schedule":    "every 30m",
		"session_key": "api:team",
		"message":     "Standup reminder.",
	}
	resp, body := f.request(t, http.MethodPost, "/v1/jobs", "", create)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, body)
	}
	var info cron.JobInfo
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if info.ID != "standup" || info.SessionKey != "api:team" {
		t.Fatalf("created job = %+v", info)
	}

	resp, _ = f.request(t, http.MethodPost, "/v1/jobs", "", create)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create status = %d", resp.StatusCode)
	}

	bad := map[string]any{"id": "broken", "schedule": "every never", "session_key": "api:x", "message": "hi"}
	resp, _ = f.request(t, http.MethodPost, "/v1/jobs", "", bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad schedule status = %d", resp.StatusCode)
	}

	resp, _ = f.request(t, http.MethodDelete, "/v1/jobs/standup", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = f.request(t, http.MethodGet, "/v1/jobs/standup", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted job status = %d", resp.StatusCode)
	}
	resp, _ = f.request(t, http.MethodDelete, "/v1/jobs/standup", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newTestServer(t, "secret", nil)

	// A request through the middleware lands in the counter.
	f.request(t, http.MethodGet, "/healthz", "", nil)

	resp, body := f.request(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "clawgate_http_requests_total") {
		t.Fatalf("metrics output missing request counter:\n%s", body)
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	f := newTestServer(t, "", nil)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/sessions/api:alice/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	resp.Body.Close()

	waitFor(t, func() bool { return f.hub.SubscriberCount("api:alice") == 1 })

	go func() {
		for i := 0; i < 3; i++ {
			f.hub.Publish(deltaEvent("api:alice", fmt.Sprintf("d%d", i)))
		}
		f.hub.Publish(&models.OutboundEvent{Type: models.EventFinal, SessionKey: "api:alice"})
	}()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []models.OutboundEvent
	for len(got) < 4 {
		var event models.OutboundEvent
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("read event %d: %v", len(got), err)
		}
		got = append(got, event)
	}
	for i := 0; i < 3; i++ {
		if got[i].Type != models.EventDelta || got[i].Delta != fmt.Sprintf("d%d", i) {
			t.Fatalf("event %d = %+v", i, got[i])
		}
	}
	if got[3].Type != models.EventFinal {
		t.Fatalf("last event = %+v", got[3])
	}
}

func TestStreamClosesOnInvalidate(t *testing.T) {
	f := newTestServer(t, "", nil)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/sessions/api:alice/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	resp.Body.Close()

	waitFor(t, func() bool { return f.hub.SubscriberCount("api:alice") == 1 })
	f.hub.Invalidate("api:alice")

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
				t.Fatalf("close error = %v, want going away", err)
			}
			return
		}
	}
}

func TestStreamRequiresAuth(t *testing.T) {
	f := newTestServer(t, "secret", nil)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/sessions/api:alice/stream"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %+v", resp)
	}
	resp.Body.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=secret", nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	resp.Body.Close()
	conn.Close()
}
