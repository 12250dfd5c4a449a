// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package realtime

import (
	"bytes"
	"encoding/binary"
)

// sampleRate is the only rate the realtime session engine accepts; callers
// resample before sending audio, per spec §6.
const sampleRate = 16000

// StreamingAudioBuffer accumulates int16 PCM samples for one session. It is
// not safe for concurrent use; callers serialize access through a Session's
// own lock, mirroring the per-stream isolation the VAD plugin server gives
// each gRPC stream its own engine instance.
type StreamingAudioBuffer struct {
	samples []int16
}

// Append decodes raw little-endian PCM16 bytes and appends the samples.
func (b *StreamingAudioBuffer) Append(pcm []byte) {
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		b.samples = append(b.samples, int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
}

// Len returns the number of buffered samples.
func (b *StreamingAudioBuffer) Len() int { return len(b.samples) }

// Clear discards every buffered sample.
func (b *StreamingAudioBuffer) Clear() { b.samples = b.samples[:0] }

// Snapshot returns a WAV-encoded copy of the samples currently buffered
// without mutating the buffer, used for non-destructive interim dispatch
// (spec §4.8 step 4).
func (b *StreamingAudioBuffer) Snapshot() []byte {
	return encodeWAV(b.samples)
}

// Take snapshots the buffer as WAV and clears it, used for the final
// dispatch on SpeechEnd or an explicit commit (spec §4.8 step 3).
func (b *StreamingAudioBuffer) Take() []byte {
	wav := encodeWAV(b.samples)
	b.Clear()
	return wav
}

// encodeWAV wraps raw PCM16 mono samples in a minimal canonical WAV header.
func encodeWAV(samples []int16) []byte {
	const bitsPerSample = 16
	const numChannels = 1
	dataSize := len(samples) * 2
	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(numChannels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	binary.Write(&buf, binary.LittleEndian, samples)
	return buf.Bytes()
}
