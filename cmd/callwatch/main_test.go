// ABOUTME: Tests for the callwatch CLI commands and logger setup
// ABOUTME: Client commands run against an httptest server standing in for callwatch

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/callwatch/internal/config"
	"github.com/2389/callwatch/internal/gateway"
)

func init() {
	color.NoColor = true
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, serverAddr = "", ""
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCheckConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("observers:\n  - id: chanA\n  - id: chanB\n"), 0644))

	out, err := execute(t, "check-config", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
	assert.Contains(t, out, "- chanA")
	assert.Contains(t, out, "30/s global")

	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  overflow_policy: sometimes\n"), 0644))
	_, err = execute(t, "check-config", "--config", path)
	assert.Error(t, err)
}

func TestClientCommands(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/decisions", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("subject_id") != "S1" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "no decision"})
			return
		}
		_ = json.NewEncoder(w).Encode(gateway.DecisionResponse{
			SubjectID:    "S1",
			ObserverID:   r.URL.Query().Get("observer_id"),
			Status:       "accepted",
			EvidenceSeen: []string{"desk", "wire"},
		})
	})
	mux.HandleFunc("/api/index", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(gateway.IndexResponse{SubjectID: "S1", Observers: []string{"chanA", "chanB"}})
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ready (queue 0, 0 tracked pairs)"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := execute(t, "decision", "S1", "chanA", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "S1 / chanA: accepted")
	assert.Contains(t, out, "desk, wire")

	_, err = execute(t, "decision", "S9", "chanA", "--addr", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no decision")

	out, err = execute(t, "index", "S1", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "chanA\nchanB\n", out)

	out, err = execute(t, "health", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "ready")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "subject_id", "S1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "S1", line["subject_id"])

	buf.Reset()
	text := newLogger(config.LoggingConfig{Level: "debug"}, &buf).With("component", "pipeline")
	text.Debug("queued", slog.Int("items", 3))
	assert.Contains(t, buf.String(), "DBG queued")
	assert.Contains(t, buf.String(), "component=pipeline")
	assert.Contains(t, buf.String(), "items=3")
}
