// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package gateway is the HTTP front door: the OpenAI-compatible surface
// under /api/v0 and /api/v1, the Ollama compatibility shim, and the
// streaming proxy (spec §4.6, §4.7).
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lemonade-router/lemonade-server/internal"
	"github.com/lemonade-router/lemonade-server/internal/lemonadeerr"
	"github.com/lemonade-router/lemonade-server/internal/registry"
	"github.com/lemonade-router/lemonade-server/internal/router"
	"github.com/lemonade-router/lemonade-server/internal/sysprobe"
)

// defaultWorkers matches spec §5's "fixed worker pool (default 8)".
const defaultWorkers = 8

// Gateway serves the OpenAI-compatible HTTP API and the Ollama shim in
// front of a Router and a Registry.
type Gateway struct {
	reg       *registry.Registry
	rt        *router.Router
	apiKey    string
	start     time.Time
	wsPort    int
	cacheRoot string

	workers *semaphore.Weighted
	mux     *http.ServeMux
}

// Options configures a Gateway.
type Options struct {
	APIKey   string // empty disables auth
	Workers  int    // 0 means defaultWorkers
	WSPort   int    // the realtime engine's WebSocket port, reported in /health
	CacheDir string // root for model blobs and backend binaries, for /pull
}

// New builds a Gateway and registers every route on its own ServeMux,
// matching the teacher's minimalism: net/http.ServeMux method+path
// patterns, no router framework (spec §4.6).
func New(reg *registry.Registry, rt *router.Router, opts Options) *Gateway {
	workers := opts.Workers
	if workers == 0 {
		workers = defaultWorkers
	}
	g := &Gateway{
		reg:       reg,
		rt:        rt,
		apiKey:    opts.APIKey,
		start:     time.Now(),
		wsPort:    opts.WSPort,
		cacheRoot: opts.CacheDir,
		workers:   semaphore.NewWeighted(int64(workers)),
		mux:       http.NewServeMux(),
	}
	g.routes()
	return g
}

// Handler returns the http.Handler to pass to http.Server, wrapping every
// route with the bounded-concurrency worker pool, CORS, and bearer-auth
// middleware (spec §4.6, §5).
func (g *Gateway) Handler() http.Handler {
	return g.cors(g.auth(g.throttle(g.mux)))
}

func (g *Gateway) routes() {
	g.mux.HandleFunc("GET /health", g.handleHealth)

	// The OpenAI-compatible surface is served identically under /api/v0
	// and /api/v1 (spec §4.6) — register every route once per prefix.
	for _, api := range []string{"/api/v0", "/api/v1"} {
		g.mux.HandleFunc("GET "+api+"/health", g.handleHealth)

		g.mux.HandleFunc("GET "+api+"/models", g.handleModels)
		g.mux.HandleFunc("GET "+api+"/models/{id}", g.handleModel)

		g.mux.HandleFunc("POST "+api+"/chat/completions", g.handleChatCompletions)
		g.mux.HandleFunc("POST "+api+"/completions", g.handleCompletions)
		g.mux.HandleFunc("POST "+api+"/embeddings", g.handleEmbeddings)
		g.mux.HandleFunc("POST "+api+"/reranking", g.handleReranking)
		g.mux.HandleFunc("POST "+api+"/responses", g.handleChatCompletions)

		g.mux.HandleFunc("POST "+api+"/audio/transcriptions", g.handleTranscriptions)
		g.mux.HandleFunc("POST "+api+"/audio/speech", g.handleAudioSpeech)
		g.mux.HandleFunc("POST "+api+"/images/generations", g.handleImageGenerations)

		g.mux.HandleFunc("POST "+api+"/pull", g.handlePull)
		g.mux.HandleFunc("POST "+api+"/load", g.handleLoad)
		g.mux.HandleFunc("POST "+api+"/unload", g.handleUnload)
		g.mux.HandleFunc("POST "+api+"/delete", g.handleDelete)

		g.mux.HandleFunc("GET "+api+"/system-info", g.handleSystemInfo)
		g.mux.HandleFunc("GET "+api+"/system-stats", g.handleSystemStats)
		g.mux.HandleFunc("GET "+api+"/stats", g.handleSystemStats)
	}
	g.mux.HandleFunc("GET /logs/stream", g.handleLogsStream)
	g.mux.HandleFunc("POST /internal/shutdown", g.handleShutdown)

	// Ollama compatibility shim (spec §4.6).
	g.mux.HandleFunc("POST /api/chat", g.handleOllamaChat)
	g.mux.HandleFunc("POST /api/generate", g.handleOllamaGenerate)
	g.mux.HandleFunc("GET /api/tags", g.handleOllamaTags)
	g.mux.HandleFunc("POST /api/show", g.handleModel)
	g.mux.HandleFunc("POST /api/pull", g.handlePull)
	g.mux.HandleFunc("GET /api/ps", g.handleOllamaPS)
	g.mux.HandleFunc("POST /api/embed", g.handleEmbeddings)
	g.mux.HandleFunc("GET /api/version", g.handleOllamaVersion)
}

// throttle bounds the number of handlers running concurrently to
// Options.Workers (defaultWorkers when zero), the fixed pool spec §5
// requires.
func (g *Gateway) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.workers.Acquire(r.Context(), 1); err != nil {
			writeError(w, lemonadeerr.New(lemonadeerr.InternalError, "server is shutting down"))
			return
		}
		defer g.workers.Release(1)
		next.ServeHTTP(w, r)
	})
}

// cors is permissive for local origins, matching a desktop-local gateway
// with no cross-origin risk model beyond "this machine" (spec §4.6).
func (g *Gateway) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// auth requires "Authorization: Bearer <apiKey>" on every route except
// /health and /logs/stream, when an API key is configured (spec §4.6).
func (g *Gateway) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.apiKey == "" || r.URL.Path == "/health" || r.URL.Path == "/logs/stream" {
			next.ServeHTTP(w, r)
			return
		}
		want := "Bearer " + g.apiKey
		if r.Header.Get("Authorization") != want {
			writeError(w, lemonadeerr.New(lemonadeerr.InvalidRequest, "missing or invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	var modelLoaded any
	if slots := g.rt.Snapshot(); len(slots) > 0 {
		modelLoaded = slots[0].Record.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"model_loaded":   modelLoaded,
		"version":        internal.Commit(),
		"websocket_port": g.wsPort,
	})
}

func (g *Gateway) handleOllamaVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"version": internal.Commit()})
}

func (g *Gateway) handleOllamaPS(w http.ResponseWriter, r *http.Request) {
	var models []map[string]any
	for _, s := range g.rt.Snapshot() {
		models = append(models, map[string]any{"name": s.Record.ID, "model": s.Record.ID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (g *Gateway) handleOllamaTags(w http.ResponseWriter, r *http.Request) {
	var models []map[string]any
	for _, rec := range g.reg.List() {
		models = append(models, map[string]any{"name": rec.ID, "model": rec.ID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	showAll := r.URL.Query().Has("show_all")
	var out []*registry.Record
	for _, rec := range g.reg.List() {
		if showAll || rec.Downloaded || rec.Suggested {
			out = append(out, rec)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (g *Gateway) handleModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		id = body.Model
	}
	rec := g.reg.Get(id)
	if rec == nil {
		writeError(w, lemonadeerr.New(lemonadeerr.InvalidRequest, "unknown model %q", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (g *Gateway) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	info, err := sysprobe.Load(g.cacheRoot, internal.Commit())
	if err != nil {
		writeError(w, lemonadeerr.Wrap(lemonadeerr.InternalError, err, "system probe failed"))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (g *Gateway) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	var stats []map[string]any
	for _, s := range g.rt.Snapshot() {
		snap := s.Process.Telemetry.Snapshot()
		stats = append(stats, map[string]any{
			"model":             s.Record.ID,
			"input_tokens":      snap.InputTokens,
			"output_tokens":     snap.OutputTokens,
			"tokens_per_second": snap.TokensPerSecond,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (g *Gateway) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, lemonadeerr.New(lemonadeerr.InternalError, "streaming unsupported"))
		return
	}
	ch := g.rt.Subscribe()
	fmt.Fprintf(w, "data: {\"event\":\"connected\"}\n\n")
	flusher.Flush()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			fmt.Fprintf(w, "data: {\"event\":\"router_changed\"}\n\n")
			flusher.Flush()
		}
	}
}

func (g *Gateway) handleShutdown(w http.ResponseWriter, r *http.Request) {
	for _, s := range g.rt.Snapshot() {
		_ = g.rt.Unload(s.Record.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "shutting down"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		slog.Error("gateway", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	lerr, ok := lemonadeerr.As(err)
	if !ok {
		lerr = lemonadeerr.Wrap(lemonadeerr.InternalError, err, "internal error")
	}
	writeJSON(w, lerr.HTTPStatus(), lerr.ToBody())
}

// readJSON decodes r's body the same way internal.JSONPost decodes a
// response: DisallowUnknownFields, wrapped parse errors.
func readJSON(r *http.Request, out any) error {
	d := json.NewDecoder(r.Body)
	d.DisallowUnknownFields()
	if err := d.Decode(out); err != nil {
		return lemonadeerr.Wrap(lemonadeerr.InvalidRequest, err, "invalid request body")
	}
	return nil
}
