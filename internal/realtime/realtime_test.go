// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestEngine_ServeHTTP_roundTrip(t *testing.T) {
	e := &Engine{
		transcriber: &fakeTranscriber{text: "hello world"},
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	srv := httptest.NewServer(http.HandlerFunc(e.ServeHTTP))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var created map[string]any
	if err := conn.ReadJSON(&created); err != nil {
		t.Fatal(err)
	}
	if created["type"] != "session.created" {
		t.Fatalf("first event = %v, want session.created", created)
	}

	if err := conn.WriteJSON(map[string]any{
		"type":    "session.update",
		"session": map[string]any{"model": "Qwen3-0.6B-GGUF"},
	}); err != nil {
		t.Fatal(err)
	}

	var updated map[string]any
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&updated); err != nil {
		t.Fatal(err)
	}
	if updated["type"] != "session.updated" {
		t.Fatalf("second event = %v, want session.updated", updated)
	}
}
