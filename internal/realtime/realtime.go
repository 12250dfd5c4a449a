// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package realtime is the WebSocket realtime session engine: a small
// OpenAI Realtime API subset fronting the audio backends' /inference
// endpoint with an energy-based VAD pipeline (spec §4.8).
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lemonade-router/lemonade-server/internal/backend"
	"github.com/lemonade-router/lemonade-server/internal/lemonadeerr"
	"github.com/lemonade-router/lemonade-server/internal/router"
)

// Transcriber runs one transcription of a WAV-encoded utterance against a
// loaded model, decoupling the session pipeline from the router/backend
// packages so it can be tested without a real audio backend.
type Transcriber interface {
	Transcribe(ctx context.Context, modelID string, wav []byte) (string, error)
}

// adapterTranscriber is the production Transcriber: it auto-loads modelID
// through the Router the same way the HTTP gateway's dispatch does, and
// forwards the WAV bytes to the backend's /inference endpoint (spec §4.2,
// §4.5).
type adapterTranscriber struct {
	rt *router.Router
}

func (a *adapterTranscriber) Transcribe(ctx context.Context, modelID string, wav []byte) (string, error) {
	slot, err := a.rt.Load(ctx, modelID)
	if err != nil {
		return "", err
	}
	slot.AcquireStream()
	defer slot.ReleaseStream()

	adapter := backend.Factory(slot.Record.Recipe)
	if adapter == nil {
		return "", lemonadeerr.New(lemonadeerr.UnsupportedOperation, "no adapter for recipe %q", slot.Record.Recipe)
	}
	var buf bytes.Buffer
	if err := adapter.Forward(ctx, slot.Process, "/inference", bytes.NewReader(wav), &buf); err != nil {
		return "", lemonadeerr.NewBackendError(string(slot.Record.Recipe), http.StatusBadGateway, err)
	}
	var resp struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(buf.Bytes(), &resp); err != nil {
		return "", lemonadeerr.Wrap(lemonadeerr.InternalError, err, "malformed transcription response")
	}
	return resp.Text, nil
}

// Engine upgrades incoming connections to WebSocket and runs one Session
// per connection (spec §4.8).
type Engine struct {
	transcriber Transcriber
	upgrader    websocket.Upgrader
}

// New returns an Engine that dispatches transcriptions through rt.
func New(rt *router.Router) *Engine {
	return &Engine{
		transcriber: &adapterTranscriber{rt: rt},
		upgrader: websocket.Upgrader{
			// Local-only gateway, same permissive-origin posture as the
			// HTTP gateway's CORS middleware.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the session until
// the socket closes or the request's context is canceled.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("realtime", "err", err)
		return
	}
	s := newSession(uuid.New().String(), c, e.transcriber)
	s.run(r.Context())
}
