// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lemonade-router/lemonade-server/internal/router"
)

// ssePump relays r's "data: ...\n\n" frames to w as they arrive, without
// ever buffering a whole message, directly generalizing
// llm/llm.go's openAIPromptStreaming read loop (bufio.Reader,
// ReadBytes('\n'), "data: " prefix check) into a byte-pump proxy instead of
// a single-purpose chat client (spec §4.7).
//
// It extracts the last chunk's usage/telemetry fields into slot as it goes,
// and stops at the "data: [DONE]" sentinel.
func ssePump(w http.ResponseWriter, r io.Reader, slot *router.Slot) error {
	flusher, _ := w.(http.Flusher)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := w.Write(line); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
			trimmed := bytes.TrimSpace(line)
			if bytes.HasPrefix(trimmed, []byte("data: ")) {
				payload := trimmed[len("data: "):]
				if bytes.Equal(payload, []byte("[DONE]")) {
					return nil
				}
				scrapeUsage(payload, slot)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// scrapeUsage opportunistically decodes a streamed chunk's usage object
// into slot's telemetry counters; malformed or usage-less chunks are
// ignored, matching spec §7's "log and continue" policy for stdout parse
// errors generalized to SSE chunk parse errors.
func scrapeUsage(payload []byte, slot *router.Slot) {
	if slot == nil {
		return
	}
	var chunk struct {
		Usage *struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if json.Unmarshal(payload, &chunk) != nil || chunk.Usage == nil {
		return
	}
	slot.Process.Telemetry.SetUsage(int(chunk.Usage.PromptTokens), int(chunk.Usage.CompletionTokens))
}

// ndjsonPump re-frames upstream SSE "data: {...}" frames into the Ollama
// shim's one-JSON-object-per-line wire shape (spec §4.7), appending a
// final `{"done":true,...}` line carrying the token counts the Ollama API
// contract requires, scraped from the same trailing usage object
// scrapeUsage extracts for the native SSE path.
func ndjsonPump(w http.ResponseWriter, r io.Reader, slot *router.Slot) error {
	flusher, _ := w.(http.Flusher)
	br := bufio.NewReader(r)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for {
		line, err := br.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if bytes.HasPrefix(trimmed, []byte("data: ")) {
			payload := trimmed[len("data: "):]
			if bytes.Equal(payload, []byte("[DONE]")) {
				var promptTokens, evalTokens int64
				if slot != nil {
					snap := slot.Process.Telemetry.Snapshot()
					promptTokens, evalTokens = int64(snap.InputTokens), int64(snap.OutputTokens)
				}
				final := map[string]any{"done": true, "prompt_eval_count": promptTokens, "eval_count": evalTokens}
				if encErr := enc.Encode(final); encErr != nil {
					return encErr
				}
				if flusher != nil {
					flusher.Flush()
				}
				return nil
			}
			scrapeUsage(payload, slot)
			var obj map[string]any
			if json.Unmarshal(payload, &obj) == nil {
				if encErr := enc.Encode(obj); encErr != nil {
					return encErr
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// writeSSEError sends a terminal "event: error" frame before the stream
// closes, per spec §7's streaming error contract.
func writeSSEError(w http.ResponseWriter, message string) {
	flusher, _ := w.(http.Flusher)
	fmt.Fprintf(w, "event: error\ndata: {\"error\":{\"message\":%q}}\n\n", message)
	if flusher != nil {
		flusher.Flush()
	}
}
