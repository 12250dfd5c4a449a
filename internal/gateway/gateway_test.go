// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lemonade-router/lemonade-server/internal/backend"
	"github.com/lemonade-router/lemonade-server/internal/registry"
	"github.com/lemonade-router/lemonade-server/internal/router"
	"github.com/lemonade-router/lemonade-server/internal/supervisor"
)

// TestMain re-execs the test binary as a fake backend child, mirroring the
// router and supervisor packages' own self-exec helper-process tests.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		var port string
		for i, a := range os.Args {
			if a == "--port" && i+1 < len(os.Args) {
				port = os.Args[i+1]
			}
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
			io.WriteString(w, "data: {\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":1}}\n\n")
			io.WriteString(w, "data: [DONE]\n\n")
		})
		_ = http.ListenAndServe("localhost:"+port, mux)
		return
	}
	// Children started by the tests inherit this and run as the helper.
	_ = os.Setenv("GO_WANT_HELPER_PROCESS", "1")
	os.Exit(m.Run())
}

type fakeAdapter struct{}

func (fakeAdapter) Install(ctx context.Context, cacheDir string) error { return nil }
func (fakeAdapter) DownloadModel(ctx context.Context, cacheDir string, rec *registry.Record, onProgress func(done, total int64)) error {
	if onProgress != nil {
		onProgress(1, 1)
	}
	return nil
}
func (fakeAdapter) Load(ctx context.Context, cacheDir, logDir string, rec *registry.Record) (*supervisor.Process, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return supervisor.Start(ctx, supervisor.Spec{
		Exe:          exe,
		Args:         []string{"-test.run=^$"},
		PortFlag:     "--port",
		Dir:          filepath.Dir(exe),
		LogPath:      filepath.Join(logDir, rec.ID+".log"),
		HealthPath:   "/health",
		ReadyTimeout: 5 * time.Second,
	})
}
func (fakeAdapter) Unload(p *supervisor.Process) error { return p.Stop() }
func (fakeAdapter) Forward(ctx context.Context, p *supervisor.Process, path string, body io.Reader, w io.Writer) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path, body)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	for k, v := range resp.Header {
		_ = k
		_ = v
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	reg, err := registry.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rt := router.New(reg, t.TempDir(), t.TempDir(), router.Limits{LLM: 1, Embedding: 1, Reranking: 1, Audio: 1, Image: 1})
	rt.AdapterFactory = func(registry.Recipe) backend.Adapter { return fakeAdapter{} }
	return New(reg, rt, Options{CacheDir: t.TempDir()})
}

func TestHandleHealth(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestHandleModels(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/models?show_all")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Data []*registry.Record `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Data) == 0 {
		t.Fatal("expected at least one model")
	}
}

func TestHandleChatCompletions_streams(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	body := `{"model":"Qwen3-0.6B-GGUF","messages":[{"role":"user","content":"hi"}],"stream":true}`
	resp, err := http.Post(srv.URL+"/api/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "[DONE]") {
		t.Fatalf("expected a terminal [DONE] frame, got %q", b)
	}
}

func TestHandleLoadUnload(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/load", "application/json", strings.NewReader(`{"model_name":"Qwen3-0.6B-GGUF"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/api/v1/unload", "application/json", strings.NewReader(`{"model_name":"Qwen3-0.6B-GGUF"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unload status = %d", resp.StatusCode)
	}
}

func TestHandleChatCompletions_unknownModel(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/chat/completions", "application/json", strings.NewReader(`{"model":"nope"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAuth_rejectsMissingBearer(t *testing.T) {
	reg, err := registry.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rt := router.New(reg, t.TempDir(), t.TempDir(), router.DefaultLimits)
	g := New(reg, rt, Options{APIKey: "secret"})
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing bearer token", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("/health should bypass auth, got %d", resp2.StatusCode)
	}
}
