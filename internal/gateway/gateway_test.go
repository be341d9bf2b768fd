// ABOUTME: Tests for the gateway HTTP API, notification streams and lifecycle
// ABOUTME: Runs a real gateway on a loopback listener backed by a temp SQLite file

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/callwatch/internal/config"
	"github.com/2389/callwatch/internal/evidence"
	"github.com/2389/callwatch/internal/notify"
	"github.com/2389/callwatch/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "callwatch.db")
	cfg.Notify.Log = false
	cfg.Observers = []config.ObserverConfig{
		{ID: "chanA", MinSources: 2},
		{ID: "chanB", MinSources: 1},
	}
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) *Gateway {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	gw, err := New(cfg, "", discardLogger())
	require.NoError(t, err)
	return gw
}

// runGateway serves gw on a loopback port and returns its base URL. The
// gateway is shut down when the test ends.
func runGateway(t *testing.T, gw *Gateway) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("gateway did not shut down")
		}
	})

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
	return base
}

func bundleJSON(t *testing.T, subjectID string, sources ...string) []byte {
	t.Helper()
	now := time.Now().UTC()
	b := evidence.Bundle{SubjectID: subjectID}
	for i, s := range sources {
		b.Evidence = append(b.Evidence, evidence.Item{
			SourceID:   s,
			ObservedAt: now.Add(-time.Duration(len(sources)-i) * time.Minute),
			Value:      float64(10 * (i + 1)),
		})
	}
	data, err := json.Marshal(b)
	require.NoError(t, err)
	return data
}

func postJSON(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// getDecision returns 0 on transport or decode failure so it can be polled
// from Eventually, which runs the condition off the test goroutine.
func getDecision(base, subjectID, observerID string) (int, DecisionResponse) {
	var d DecisionResponse
	resp, err := http.Get(fmt.Sprintf("%s/api/decisions?subject_id=%s&observer_id=%s", base, subjectID, observerID))
	if err != nil {
		return 0, d
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
			return 0, d
		}
	}
	return resp.StatusCode, d
}

func TestGateway_BundleToDecision(t *testing.T) {
	gw := newTestGateway(t, nil)
	base := runGateway(t, gw)

	resp := postJSON(t, base+"/api/bundles", bundleJSON(t, "S1", "wire", "desk"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var enq EnqueueResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&enq))
	assert.NotEmpty(t, enq.ID)
	assert.Equal(t, "S1", enq.SubjectID)

	require.Eventually(t, func() bool {
		code, d := getDecision(base, "S1", "chanA")
		return code == http.StatusOK && d.Status == string(store.StatusAccepted)
	}, 5*time.Second, 20*time.Millisecond)

	_, d := getDecision(base, "S1", "chanA")
	assert.Equal(t, []string{"desk", "wire"}, d.EvidenceSeen)
	assert.NotEmpty(t, d.ExpiresAt)

	// the audit write is asynchronous
	require.Eventually(t, func() bool {
		r, err := http.Get(base + "/api/audit?subject_id=S1&observer_id=chanA")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var entries []AuditResponse
		if json.NewDecoder(r.Body).Decode(&entries) != nil || len(entries) == 0 {
			return false
		}
		return entries[0].Notified && entries[0].Status == string(store.StatusAccepted)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestGateway_StreamsNotificationsOverSSE(t *testing.T) {
	gw := newTestGateway(t, nil)
	base := runGateway(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/notifications/stream?observer_id=chanB", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "event: ") {
				events <- strings.TrimPrefix(line, "event: ")
			}
		}
	}()

	require.Equal(t, "subscribed", <-events)
	require.Eventually(t, func() bool { return gw.broadcaster.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	postJSON(t, base+"/api/bundles", bundleJSON(t, "S2", "wire"))

	select {
	case ev := <-events:
		assert.Equal(t, string(notify.KindAccepted), ev)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification streamed")
	}
}

func TestGateway_StreamsNotificationsOverWebSocket(t *testing.T) {
	gw := newTestGateway(t, nil)
	base := runGateway(t, gw)

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/api/notifications/ws?observer_id=chanA"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello map[string]string
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "subscribed", hello["event"])

	// chanB matches a single source but this socket only follows chanA
	postJSON(t, base+"/api/bundles", bundleJSON(t, "S3", "wire"))
	postJSON(t, base+"/api/bundles", bundleJSON(t, "S3", "wire", "desk"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var n notify.Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, notify.KindAccepted, n.Kind)
	assert.Equal(t, "chanA", n.ObserverID)
	assert.Equal(t, "S3", n.SubjectID)
}

func TestGateway_DuplicateBundleNotifiesOnce(t *testing.T) {
	gw := newTestGateway(t, nil)
	base := runGateway(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := gw.broadcaster.Subscribe(ctx, "chanB")

	body := bundleJSON(t, "S4", "wire")
	for range 3 {
		require.Equal(t, http.StatusAccepted, postJSON(t, base+"/api/bundles", body).StatusCode)
	}

	select {
	case n := <-ch:
		assert.Equal(t, "S4", n.SubjectID)
	case <-time.After(5 * time.Second):
		t.Fatal("expected one notification")
	}

	require.Eventually(t, func() bool { return gw.pipeline.Stats().Processed == 3 }, 5*time.Second, 10*time.Millisecond)
	select {
	case n := <-ch:
		t.Fatalf("unexpected second notification %+v", n)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandleBundles_Errors(t *testing.T) {
	gw := newTestGateway(t, nil)
	defer gw.closeComponents()
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "{", http.StatusBadRequest},
		{"missing subject", http.MethodPost, `{"evidence":[]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+"/api/bundles", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestHandleBundles_QueueFullIsTooManyRequests(t *testing.T) {
	gw := newTestGateway(t, func(cfg *config.Config) {
		cfg.Pipeline.QueueCapacity = 1
		cfg.Pipeline.OverflowPolicy = "reject"
	})
	defer gw.closeComponents()
	// pipeline is not running, so nothing drains the queue
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	body := bundleJSON(t, "S5", "wire")
	assert.Equal(t, http.StatusAccepted, postJSON(t, srv.URL+"/api/bundles", body).StatusCode)

	resp := postJSON(t, srv.URL+"/api/bundles", body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, uint64(1), gw.pipeline.Stats().Rejected)
}

func TestHandleTracking(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		gw := newTestGateway(t, nil)
		defer gw.closeComponents()
		srv := httptest.NewServer(gw.httpServer.Handler)
		defer srv.Close()

		resp := postJSON(t, srv.URL+"/api/tracking", []byte(`{"subject_id":"S","observer_id":"chanA","baseline_value":10}`))
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("enabled", func(t *testing.T) {
		gw := newTestGateway(t, func(cfg *config.Config) { cfg.Tracking.Enabled = true })
		defer gw.closeComponents()
		srv := httptest.NewServer(gw.httpServer.Handler)
		defer srv.Close()

		resp := postJSON(t, srv.URL+"/api/tracking", []byte(`{"subject_id":"S6","observer_id":"chanA","baseline_value":10}`))
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		bad := postJSON(t, srv.URL+"/api/tracking", []byte(`{"subject_id":"S6","observer_id":"chanA","baseline_value":0}`))
		assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

		r, err := http.Get(srv.URL + "/api/index?subject_id=S6")
		require.NoError(t, err)
		defer r.Body.Close()
		var idx IndexResponse
		require.NoError(t, json.NewDecoder(r.Body).Decode(&idx))
		assert.Equal(t, []string{"chanA"}, idx.Observers)
	})
}

func TestHandleNotice_SkipsObserverLimit(t *testing.T) {
	gw := newTestGateway(t, nil)
	defer gw.closeComponents()
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notes, _ := gw.broadcaster.Subscribe(ctx, "chanA")

	// spend chanA's own permit; a regular send would now wait about a second
	require.NoError(t, gw.governor.Acquire(ctx, "chanA", false))

	start := time.Now()
	resp := postJSON(t, srv.URL+"/api/notices", []byte(`{"observer_ids":["chanA"],"message":"maintenance at 02:00"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	var body NoticeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"chanA"}, body.Sent)
	assert.Empty(t, body.Failed)

	select {
	case n := <-notes:
		assert.Equal(t, notify.KindNotice, n.Kind)
		assert.Equal(t, "maintenance at 02:00", n.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("notice not broadcast")
	}

	bad := postJSON(t, srv.URL+"/api/notices", []byte(`{"observer_ids":["chanA"]}`))
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestGateway_TrackedValueMultipleNotifies(t *testing.T) {
	gw := newTestGateway(t, func(cfg *config.Config) { cfg.Tracking.Enabled = true })
	base := runGateway(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := gw.broadcaster.Subscribe(ctx, "chanA")

	resp := postJSON(t, base+"/api/tracking", []byte(`{"subject_id":"S7","observer_id":"chanA","baseline_value":5}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// latest value is 20, four times the baseline
	postJSON(t, base+"/api/bundles", bundleJSON(t, "S7", "wire", "desk"))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case n := <-ch:
			if n.Kind == notify.KindMultiple {
				assert.Equal(t, 4, n.Multiple)
				return
			}
		case <-deadline:
			t.Fatal("no multiple notification")
		}
	}
}

func TestHandleDecision_Validation(t *testing.T) {
	gw := newTestGateway(t, nil)
	defer gw.closeComponents()
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/decisions?subject_id=S")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	code, _ := getDecision(srv.URL, "nobody", "chanA")
	assert.Equal(t, http.StatusNotFound, code)

	resp, err = http.Get(srv.URL + "/api/audit?subject_id=S&observer_id=chanA&limit=zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	gw := newTestGateway(t, nil)
	defer gw.closeComponents()

	rec := httptest.NewRecorder()
	gw.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	gw.handleReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	gw.ready.Store(true)
	rec = httptest.NewRecorder()
	gw.handleReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready")
}

func TestMetricsEndpoint(t *testing.T) {
	gw := newTestGateway(t, func(cfg *config.Config) { cfg.Metrics.Enabled = true })
	defer gw.closeComponents()
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	postJSON(t, srv.URL+"/api/bundles", []byte(`{}`))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "callwatch_bundles_total")
}

func TestApplyConfig_ReplacesObservers(t *testing.T) {
	gw := newTestGateway(t, nil)
	defer gw.closeComponents()

	next := testConfig(t)
	next.Observers = []config.ObserverConfig{{ID: "chanZ", MinSources: 1}}
	gw.applyConfig(next)

	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api/observers")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"chanZ"}, body["observers"])
}

func TestGateway_BadgerDecisions(t *testing.T) {
	gw := newTestGateway(t, func(cfg *config.Config) {
		cfg.Database.Driver = "badger"
		cfg.Database.BadgerPath = filepath.Join(t.TempDir(), "badger")
	})
	base := runGateway(t, gw)

	postJSON(t, base+"/api/bundles", bundleJSON(t, "S8", "wire"))
	require.Eventually(t, func() bool {
		code, d := getDecision(base, "S8", "chanB")
		return code == http.StatusOK && d.Status == string(store.StatusAccepted)
	}, 5*time.Second, 20*time.Millisecond)

	_, isBadger := gw.decisions.(*store.BadgerStore)
	assert.True(t, isBadger)
}
