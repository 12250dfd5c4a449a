// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/lemonade-router/lemonade-server/internal/backend"
	"github.com/lemonade-router/lemonade-server/internal/lemonadeerr"
	"github.com/lemonade-router/lemonade-server/internal/registry"
)

// chatRequest is the subset of the OpenAI chat-completions wire shape this
// gateway needs to route and stream; everything else passes through
// verbatim as raw JSON to the backend.
type chatRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// framing selects how dispatch re-encodes a streaming backend response to
// the client: the native OpenAI SSE shape, or the Ollama shim's NDJSON
// re-framing (spec §4.6, §4.7).
type framing int

const (
	framingSSE framing = iota
	framingNDJSON
)

// dispatch resolves model, auto-loads it if necessary, derives the
// capability the request requires, and forwards body to the backend's
// native endpoint at nativePath — the dispatch algorithm of spec §4.5.
func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request, modelID string, wantType registry.ModelType, nativePath string, stream bool, body []byte, f framing) {
	rec := g.reg.Get(modelID)
	if rec == nil {
		writeError(w, lemonadeerr.New(lemonadeerr.InvalidRequest, "unknown model %q", modelID))
		return
	}
	if rec.Type() != wantType {
		writeError(w, lemonadeerr.New(lemonadeerr.UnsupportedOperation, "model %q does not support this operation", modelID))
		return
	}
	slot, err := g.rt.Load(r.Context(), modelID)
	if err != nil {
		writeError(w, err)
		return
	}
	slot.AcquireStream()
	defer slot.ReleaseStream()

	adapter := backend.Factory(rec.Recipe)
	if adapter == nil {
		writeError(w, lemonadeerr.New(lemonadeerr.UnsupportedOperation, "no adapter for recipe %q", rec.Recipe))
		return
	}

	if stream {
		pr, pw := io.Pipe()
		go func() {
			err := adapter.Forward(r.Context(), slot.Process, nativePath, bytes.NewReader(body), pw)
			_ = pw.CloseWithError(err)
		}()
		if f == framingNDJSON {
			w.Header().Set("Content-Type", "application/x-ndjson")
			if err := ndjsonPump(w, pr, slot); err != nil {
				slog.Warn("gateway", "state", "ndjson stream aborted", "model", modelID, "err", err)
			}
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		if err := ssePump(w, pr, slot); err != nil {
			writeSSEError(w, err.Error())
		}
		return
	}

	var buf bytes.Buffer
	if err := adapter.Forward(r.Context(), slot.Process, nativePath, bytes.NewReader(body), &buf); err != nil {
		writeError(w, lemonadeerr.NewBackendError(string(rec.Recipe), http.StatusBadGateway, err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, lemonadeerr.Wrap(lemonadeerr.InvalidRequest, err, "failed to read request body"))
		return
	}
	var req chatRequest
	if json.Unmarshal(body, &req) != nil || req.Model == "" {
		writeError(w, lemonadeerr.New(lemonadeerr.InvalidRequest, "missing or invalid \"model\""))
		return
	}
	g.dispatch(w, r, req.Model, registry.TypeLLM, "/v1/chat/completions", req.Stream, body, framingSSE)
}

// ollamaRequest is the subset of an Ollama chat/generate body needed to
// route it. Stream is a pointer because the Ollama API streams by default
// unless the caller explicitly sets "stream": false.
type ollamaRequest struct {
	Model  string `json:"model"`
	Stream *bool  `json:"stream"`
}

func (r *ollamaRequest) wantsStream() bool {
	return r.Stream == nil || *r.Stream
}

// handleOllamaChat and handleOllamaGenerate implement the Ollama shim's
// /api/chat and /api/generate, which re-frame the same SSE upstream as
// NDJSON (one JSON object per line) instead of the native "data: " shape
// (spec §4.6, §4.7).
func (g *Gateway) handleOllamaChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, lemonadeerr.Wrap(lemonadeerr.InvalidRequest, err, "failed to read request body"))
		return
	}
	var req ollamaRequest
	if json.Unmarshal(body, &req) != nil || req.Model == "" {
		writeError(w, lemonadeerr.New(lemonadeerr.InvalidRequest, "missing or invalid \"model\""))
		return
	}
	g.dispatch(w, r, req.Model, registry.TypeLLM, "/v1/chat/completions", req.wantsStream(), body, framingNDJSON)
}

func (g *Gateway) handleOllamaGenerate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, lemonadeerr.Wrap(lemonadeerr.InvalidRequest, err, "failed to read request body"))
		return
	}
	var req ollamaRequest
	if json.Unmarshal(body, &req) != nil || req.Model == "" {
		writeError(w, lemonadeerr.New(lemonadeerr.InvalidRequest, "missing or invalid \"model\""))
		return
	}
	g.dispatch(w, r, req.Model, registry.TypeLLM, "/v1/completions", req.wantsStream(), body, framingNDJSON)
}

func (g *Gateway) handleCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, lemonadeerr.Wrap(lemonadeerr.InvalidRequest, err, "failed to read request body"))
		return
	}
	var req chatRequest
	if json.Unmarshal(body, &req) != nil || req.Model == "" {
		writeError(w, lemonadeerr.New(lemonadeerr.InvalidRequest, "missing or invalid \"model\""))
		return
	}
	g.dispatch(w, r, req.Model, registry.TypeLLM, "/v1/completions", req.Stream, body, framingSSE)
}

func (g *Gateway) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, lemonadeerr.Wrap(lemonadeerr.InvalidRequest, err, "failed to read request body"))
		return
	}
	var req chatRequest
	if json.Unmarshal(body, &req) != nil || req.Model == "" {
		writeError(w, lemonadeerr.New(lemonadeerr.InvalidRequest, "missing or invalid \"model\""))
		return
	}
	g.dispatch(w, r, req.Model, registry.TypeEmbedding, "/v1/embeddings", false, body, framingSSE)
}

func (g *Gateway) handleReranking(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, lemonadeerr.Wrap(lemonadeerr.InvalidRequest, err, "failed to read request body"))
		return
	}
	var req chatRequest
	if json.Unmarshal(body, &req) != nil || req.Model == "" {
		writeError(w, lemonadeerr.New(lemonadeerr.InvalidRequest, "missing or invalid \"model\""))
		return
	}
	g.dispatch(w, r, req.Model, registry.TypeReranking, "/v1/reranking", false, body, framingSSE)
}

func (g *Gateway) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, lemonadeerr.Wrap(lemonadeerr.InvalidRequest, err, "failed to read request body"))
		return
	}
	var req chatRequest
	if json.Unmarshal(body, &req) != nil || req.Model == "" {
		writeError(w, lemonadeerr.New(lemonadeerr.InvalidRequest, "missing or invalid \"model\""))
		return
	}
	g.dispatch(w, r, req.Model, registry.TypeImage, "/", false, body, framingSSE)
}

func (g *Gateway) handleAudioSpeech(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, lemonadeerr.Wrap(lemonadeerr.InvalidRequest, err, "failed to read request body"))
		return
	}
	var req chatRequest
	if json.Unmarshal(body, &req) != nil || req.Model == "" {
		writeError(w, lemonadeerr.New(lemonadeerr.InvalidRequest, "missing or invalid \"model\""))
		return
	}
	g.dispatch(w, r, req.Model, registry.TypeAudio, "/v1/audio/speech", false, body, framingSSE)
}

// maxAudioFileBytes enforces spec §4.10's AudioFileTooLarge (>25 MiB).
const maxAudioFileBytes = 25 << 20

func (g *Gateway) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxAudioFileBytes); err != nil {
		writeError(w, lemonadeerr.New(lemonadeerr.AudioFileTooLarge, "audio file exceeds 25 MiB"))
		return
	}
	modelID := r.FormValue("model")
	if modelID == "" {
		writeError(w, lemonadeerr.New(lemonadeerr.InvalidRequest, "missing \"model\""))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, lemonadeerr.New(lemonadeerr.InvalidRequest, "missing \"file\""))
		return
	}
	defer file.Close()
	if !isSupportedAudioFile(header) {
		writeError(w, lemonadeerr.New(lemonadeerr.AudioFormatUnsupported, "unsupported audio format %q", header.Filename))
		return
	}
	audio, err := io.ReadAll(io.LimitReader(file, maxAudioFileBytes+1))
	if err != nil {
		writeError(w, lemonadeerr.Wrap(lemonadeerr.InvalidRequest, err, "failed to read uploaded audio"))
		return
	}
	if len(audio) > maxAudioFileBytes {
		writeError(w, lemonadeerr.New(lemonadeerr.AudioFileTooLarge, "audio file exceeds 25 MiB"))
		return
	}
	g.dispatch(w, r, modelID, registry.TypeAudio, "/inference", false, audio, framingSSE)
}

func isSupportedAudioFile(h *multipart.FileHeader) bool {
	switch {
	case hasSuffix(h.Filename, ".wav"), hasSuffix(h.Filename, ".mp3"), hasSuffix(h.Filename, ".m4a"), hasSuffix(h.Filename, ".flac"):
		return true
	default:
		return false
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

type modelNameRequest struct {
	ModelName string `json:"model_name"`
}

func (g *Gateway) handlePull(w http.ResponseWriter, r *http.Request) {
	var req modelNameRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rec := g.reg.Get(req.ModelName)
	if rec == nil {
		writeError(w, lemonadeerr.New(lemonadeerr.InvalidRequest, "unknown model %q", req.ModelName))
		return
	}
	adapter := backend.Factory(rec.Recipe)
	if adapter == nil {
		writeError(w, lemonadeerr.New(lemonadeerr.UnsupportedOperation, "no adapter for recipe %q", rec.Recipe))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	onProgress := func(done, total int64) {
		pct := 0.0
		if total > 0 {
			pct = float64(done) / float64(total) * 100
		}
		fmt.Fprintf(w, "data: {\"status\":\"downloading\",\"percent\":%.1f}\n\n", pct)
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err := adapter.DownloadModel(r.Context(), g.cacheDir(), rec, onProgress); err != nil {
		writeSSEError(w, err.Error())
		return
	}
	g.reg.SetDownloaded(rec.ID, true)
	fmt.Fprintf(w, "data: {\"status\":\"complete\",\"percent\":100}\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func (g *Gateway) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req modelNameRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := g.rt.Load(r.Context(), req.ModelName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "loaded", "model_name": req.ModelName})
}

func (g *Gateway) handleUnload(w http.ResponseWriter, r *http.Request) {
	var req modelNameRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := g.rt.Unload(req.ModelName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "unloaded", "model_name": req.ModelName})
}

func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req modelNameRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	_ = g.rt.Unload(req.ModelName)
	if err := g.reg.Delete(req.ModelName); err != nil {
		writeError(w, lemonadeerr.Wrap(lemonadeerr.InvalidRequest, err, "failed to delete %q", req.ModelName))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "model_name": req.ModelName})
}

// cacheDir is a small accessor kept private: handlers need the same cache
// root the Router was constructed with for DownloadModel/pull, but the
// Router does not expose it as part of its public surface beyond Load.
func (g *Gateway) cacheDir() string {
	return g.cacheRoot
}
