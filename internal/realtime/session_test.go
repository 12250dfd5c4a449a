// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeConn is an in-memory conn: Read drains a queue of inbound messages,
// Write appends to a recorded outbound log.
type fakeConn struct {
	mu      sync.Mutex
	inbound []inboundMessage
	in      int
	sent    []map[string]any
	closed  bool
}

func (f *fakeConn) ReadJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.in >= len(f.inbound) {
		return errors.New("fakeConn: no more messages")
	}
	msg := f.inbound[f.in]
	f.in++
	b, _ := json.Marshal(msg)
	return json.Unmarshal(b, v)
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := json.Marshal(v)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if t, ok := m["type"].(string); ok {
			out = append(out, t)
		}
	}
	return out
}

type fakeTranscriber struct {
	mu    sync.Mutex
	calls int
	text  string
	delay time.Duration
	err   error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, modelID string, wav []byte) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.text, f.err
}

func b64(samples ...int16) string {
	return base64.StdEncoding.EncodeToString(pcm16(samples...))
}

func loudB64() string {
	s := make([]int16, 320)
	for i := range s {
		if i%2 == 0 {
			s[i] = 20000
		} else {
			s[i] = -20000
		}
	}
	return b64(s...)
}

func TestSession_sessionUpdateEchoesModel(t *testing.T) {
	c := &fakeConn{inbound: []inboundMessage{
		{Type: "session.update", Session: &struct {
			Model string `json:"model"`
		}{Model: "Qwen3-0.6B-GGUF"}},
	}}
	tr := &fakeTranscriber{text: "hello"}
	s := newSession("sess-1", c, tr)
	s.run(context.Background())

	got := c.events()
	want := []string{"session.created", "session.updated"}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if c.sent[1]["session"].(map[string]any)["model"] != "Qwen3-0.6B-GGUF" {
		t.Fatalf("session.updated did not echo model: %+v", c.sent[1])
	}
}

func TestSession_commitDispatchesFinalTranscription(t *testing.T) {
	c := &fakeConn{inbound: []inboundMessage{
		{Type: "input_audio_buffer.append", Audio: b64(1, 2, 3)},
		{Type: "input_audio_buffer.commit"},
	}}
	tr := &fakeTranscriber{text: "the quick brown fox"}
	s := newSession("sess-2", c, tr)
	s.run(context.Background())
	s.wg.Wait()

	found := false
	for _, m := range c.sent {
		if m["type"] == "conversation.item.input_audio_transcription.completed" {
			found = true
			if m["transcript"] != "the quick brown fox" {
				t.Fatalf("transcript = %v", m["transcript"])
			}
		}
	}
	if !found {
		t.Fatalf("no completed transcription event among %v", c.events())
	}
}

func TestSession_vadEmitsSpeechStartedAndStopped(t *testing.T) {
	inbound := []inboundMessage{
		{Type: "input_audio_buffer.append", Audio: loudB64()},
		{Type: "input_audio_buffer.append", Audio: loudB64()},
	}
	// sustain speech well past minSpeechMs, then go silent long enough to
	// trigger minSilenceMs + hangoverFrames.
	for i := 0; i < 20; i++ {
		inbound = append(inbound, inboundMessage{Type: "input_audio_buffer.append", Audio: loudB64()})
	}
	silence := b64(make([]int16, 320)...)
	for i := 0; i < 60; i++ {
		inbound = append(inbound, inboundMessage{Type: "input_audio_buffer.append", Audio: silence})
	}
	c := &fakeConn{inbound: inbound}
	tr := &fakeTranscriber{text: "ok"}
	s := newSession("sess-3", c, tr)
	s.run(context.Background())
	s.wg.Wait()

	ev := c.events()
	var sawStart, sawStop bool
	for _, e := range ev {
		if e == "input_audio_buffer.speech_started" {
			sawStart = true
		}
		if e == "input_audio_buffer.speech_stopped" {
			sawStop = true
		}
	}
	if !sawStart || !sawStop {
		t.Fatalf("expected speech_started and speech_stopped among %v", ev)
	}
}

func TestSession_closeDropsInterimSilently(t *testing.T) {
	c := &fakeConn{}
	tr := &fakeTranscriber{text: "late", delay: 50 * time.Millisecond}
	s := newSession("sess-4", c, tr)
	s.dispatchInterim(context.Background(), []byte("wav"))
	s.Close()
	time.Sleep(100 * time.Millisecond)

	for _, e := range c.events() {
		if e == "conversation.item.input_audio_transcription.delta" {
			t.Fatal("interim result must be dropped silently after Close")
		}
	}
}

func TestSession_closeAwaitsFinalBriefly(t *testing.T) {
	c := &fakeConn{}
	tr := &fakeTranscriber{text: "final", delay: 50 * time.Millisecond}
	s := newSession("sess-5", c, tr)
	s.dispatchFinal(context.Background(), []byte("wav"))
	start := time.Now()
	s.Close()
	if time.Since(start) > closeDrain {
		t.Fatalf("Close took longer than closeDrain")
	}
	found := false
	for _, e := range c.events() {
		if e == "conversation.item.input_audio_transcription.completed" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected Close to wait for the in-flight final transcription")
	}
}

func TestSession_clearResetsBufferAndVAD(t *testing.T) {
	c := &fakeConn{inbound: []inboundMessage{
		{Type: "input_audio_buffer.append", Audio: loudB64()},
		{Type: "input_audio_buffer.append", Audio: loudB64()},
		{Type: "input_audio_buffer.clear"},
	}}
	tr := &fakeTranscriber{text: "x"}
	s := newSession("sess-6", c, tr)
	s.run(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() != 0 {
		t.Fatalf("clear should empty the buffer, Len() = %d", s.buf.Len())
	}
	if s.vad.Speaking() {
		t.Fatal("clear should reset VAD state")
	}
}

func TestSession_unknownMessageTypeSendsError(t *testing.T) {
	c := &fakeConn{inbound: []inboundMessage{{Type: "bogus.message"}}}
	tr := &fakeTranscriber{}
	s := newSession("sess-7", c, tr)
	s.run(context.Background())

	found := false
	for _, e := range c.events() {
		if e == "error" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an error event for an unknown message type")
	}
}
