// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package realtime

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"
)

// interimChunkInterval is spec §4.8 step 4's INTERIM_TRANSCRIPTION_CHUNK_MS.
const interimChunkInterval = time.Second

// closeDrain is how long Close waits for an in-flight final transcription
// before abandoning it, per spec §5's cancellation rule.
const closeDrain = 2 * time.Second

// inboundMessage is the subset of the OpenAI Realtime API's client->server
// message shapes this engine understands (spec §4.8).
type inboundMessage struct {
	Type    string `json:"type"`
	Session *struct {
		Model string `json:"model"`
	} `json:"session,omitempty"`
	Audio string `json:"audio,omitempty"`
}

// conn is the subset of *websocket.Conn a Session needs, so tests can swap
// in a fake without a real network socket.
type conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Session holds one realtime connection's audio pipeline state: the
// buffer, the VAD, and the bookkeeping for in-flight transcriptions. It is
// the WebSocket analog of the VAD plugin server giving each gRPC stream
// its own engine instance (spec §4.8).
type Session struct {
	id          string
	c           conn
	transcriber Transcriber

	mu              sync.Mutex
	modelID         string
	buf             StreamingAudioBuffer
	vad             simpleVAD
	interimInFlight bool
	lastInterimAt   time.Time

	sendMu    sync.Mutex
	wg        sync.WaitGroup
	closed    atomic.Bool // set the instant Close is called; gates interim delivery
	abandoned atomic.Bool // set only if Close's closeDrain wait times out; gates final delivery
}

func newSession(id string, c conn, t Transcriber) *Session {
	return &Session{id: id, c: c, transcriber: t}
}

// run reads inbound messages until the socket closes or ctx is canceled,
// driving the per-session pipeline of spec §4.8.
func (s *Session) run(ctx context.Context) {
	defer s.Close()
	_ = s.sendEvent("session.created", map[string]any{"session": map[string]any{"id": s.id}})
	for {
		var msg inboundMessage
		if err := s.c.ReadJSON(&msg); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		switch msg.Type {
		case "session.update":
			s.handleSessionUpdate(msg)
		case "input_audio_buffer.append":
			s.handleAppend(ctx, msg.Audio)
		case "input_audio_buffer.commit":
			s.handleCommit(ctx)
		case "input_audio_buffer.clear":
			s.handleClear()
		default:
			_ = s.sendEvent("error", map[string]any{"error": map[string]any{"message": "unknown message type " + msg.Type}})
		}
	}
}

func (s *Session) handleSessionUpdate(msg inboundMessage) {
	s.mu.Lock()
	if msg.Session != nil && msg.Session.Model != "" {
		s.modelID = msg.Session.Model
	}
	model := s.modelID
	s.mu.Unlock()
	_ = s.sendEvent("session.updated", map[string]any{"session": map[string]any{"model": model}})
}

func (s *Session) handleAppend(ctx context.Context, audioB64 string) {
	raw, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		_ = s.sendEvent("error", map[string]any{"error": map[string]any{"message": "invalid base64 audio"}})
		return
	}
	samples := decodeSamples(raw)

	s.mu.Lock()
	s.buf.Append(raw)
	ev := s.vad.Feed(samples)
	switch ev {
	case vadSpeechStart:
		s.mu.Unlock()
		_ = s.sendEvent("input_audio_buffer.speech_started", nil)
		return
	case vadSpeechEnd:
		wav := s.buf.Take()
		s.mu.Unlock()
		_ = s.sendEvent("input_audio_buffer.speech_stopped", nil)
		s.dispatchFinal(ctx, wav)
		return
	case vadSpeechEndDropped:
		s.buf.Clear()
		s.mu.Unlock()
		return
	}

	due := s.vad.Speaking() && !s.interimInFlight && time.Since(s.lastInterimAt) >= interimChunkInterval
	var snap []byte
	if due {
		snap = s.buf.Snapshot()
		s.interimInFlight = true
		s.lastInterimAt = time.Now()
	}
	s.mu.Unlock()
	if due {
		s.dispatchInterim(ctx, snap)
	}
}

func (s *Session) handleCommit(ctx context.Context) {
	s.mu.Lock()
	hasAudio := s.buf.Len() > 0
	wav := s.buf.Take()
	s.vad = simpleVAD{}
	s.mu.Unlock()
	if hasAudio {
		s.dispatchFinal(ctx, wav)
	}
}

func (s *Session) handleClear() {
	s.mu.Lock()
	s.buf.Clear()
	s.vad = simpleVAD{}
	s.mu.Unlock()
}

// dispatchFinal runs a final transcription in the background, tracked by
// wg so Close can wait briefly for it, per spec §5. Its result is dropped
// only if Close gave up waiting (abandoned), not merely because Close has
// been called — Close itself is what's waiting for this goroutine.
func (s *Session) dispatchFinal(ctx context.Context, wav []byte) {
	s.mu.Lock()
	model := s.modelID
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		text, err := s.transcriber.Transcribe(ctx, model, wav)
		if s.abandoned.Load() {
			return
		}
		if err != nil {
			_ = s.sendEvent("error", map[string]any{"error": map[string]any{"message": err.Error()}})
			return
		}
		_ = s.sendEvent("conversation.item.input_audio_transcription.completed", map[string]any{"transcript": text})
	}()
}

// dispatchInterim runs an interim transcription in the background; its
// result is dropped silently if the session has since closed, per spec §5.
func (s *Session) dispatchInterim(ctx context.Context, wav []byte) {
	s.mu.Lock()
	model := s.modelID
	s.mu.Unlock()
	go func() {
		text, err := s.transcriber.Transcribe(ctx, model, wav)
		s.mu.Lock()
		s.interimInFlight = false
		s.mu.Unlock()
		if s.closed.Load() || err != nil {
			return
		}
		_ = s.sendEvent("conversation.item.input_audio_transcription.delta", map[string]any{"delta": text})
	}()
}

func (s *Session) sendEvent(typ string, fields map[string]any) error {
	msg := map[string]any{"type": typ}
	for k, v := range fields {
		msg[k] = v
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.c.WriteJSON(msg)
}

// Close purges the session: pending interim results are dropped silently,
// a pending final transcription is awaited up to closeDrain, then the
// socket is closed (spec §4.8, §5).
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeDrain):
		s.abandoned.Store(true)
	}
	_ = s.c.Close()
}

// decodeSamples interprets raw as little-endian PCM16 mono samples.
func decodeSamples(raw []byte) []int16 {
	var buf StreamingAudioBuffer
	buf.Append(raw)
	return buf.samples
}
