// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package realtime

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func pcm16(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestStreamingAudioBuffer_appendAndLen(t *testing.T) {
	var b StreamingAudioBuffer
	b.Append(pcm16(1, 2, 3))
	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
}

func TestStreamingAudioBuffer_snapshotDoesNotClear(t *testing.T) {
	var b StreamingAudioBuffer
	b.Append(pcm16(1, 2, 3))
	wav := b.Snapshot()
	if len(wav) == 0 {
		t.Fatal("expected non-empty WAV")
	}
	if b.Len() != 3 {
		t.Fatalf("Snapshot must not clear the buffer, Len() = %d", b.Len())
	}
}

func TestStreamingAudioBuffer_takeClears(t *testing.T) {
	var b StreamingAudioBuffer
	b.Append(pcm16(1, 2, 3))
	wav := b.Take()
	if len(wav) == 0 {
		t.Fatal("expected non-empty WAV")
	}
	if b.Len() != 0 {
		t.Fatalf("Take must clear the buffer, Len() = %d", b.Len())
	}
}

func TestEncodeWAV_headerFields(t *testing.T) {
	wav := encodeWAV([]int16{1, 2, 3, 4})
	if !bytes.HasPrefix(wav, []byte("RIFF")) || !bytes.Contains(wav[:12], []byte("WAVE")) {
		t.Fatalf("missing RIFF/WAVE header: %x", wav[:12])
	}
	dataSize := binary.LittleEndian.Uint32(wav[40:44])
	if dataSize != 8 {
		t.Fatalf("data chunk size = %d, want 8 (4 samples * 2 bytes)", dataSize)
	}
}
