// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package realtime

import "math"

// vadState is the SimpleVAD state machine's phase, per spec §4.8 step 2.
type vadState int

const (
	vadIdle vadState = iota
	vadSpeaking
)

// Tuning constants named directly after spec §4.8's step 2.
const (
	energyThreshold = 0.01
	onsetFrames     = 2
	minSilenceMs    = 800
	hangoverFrames  = 6
	minSpeechMs     = 250
)

// frameDurationMs is derived from how many samples one VAD decision spans;
// the session engine feeds the VAD one append's worth of audio at a time,
// so this is recomputed per call rather than fixed, like the plugin VAD
// server's boundaryDetector being parameterized by the engine's own
// reported frame duration.
func frameDurationMs(samples int) float64 {
	return float64(samples) / float64(sampleRate) * 1000
}

// vadEvent is what one Feed call can produce.
type vadEvent int

const (
	vadNone vadEvent = iota
	vadSpeechStart
	vadSpeechEnd
	vadSpeechEndDropped // end reached but speech_active_ms < minSpeechMs
)

// simpleVAD is an energy-based (RMS) voice activity detector with an onset
// debounce and a silence hangover, matching the boundary-detector shape of
// the corpus's local Silero VAD plugin server, generalized from its
// model-driven confidence score to a plain RMS threshold (spec §4.8).
type simpleVAD struct {
	state          vadState
	onsetCounter   int
	silenceFrames  int
	hangoverLeft   int
	speechActiveMs float64
}

// Feed runs one VAD decision over samples and returns the event, if any,
// that decision produced.
func (v *simpleVAD) Feed(samples []int16) vadEvent {
	voiced := rms(samples) >= energyThreshold
	dur := frameDurationMs(len(samples))

	switch v.state {
	case vadIdle:
		if voiced {
			v.onsetCounter++
			if v.onsetCounter >= onsetFrames {
				v.state = vadSpeaking
				v.onsetCounter = 0
				v.silenceFrames = 0
				v.hangoverLeft = 0
				v.speechActiveMs = 0
				return vadSpeechStart
			}
		} else {
			v.onsetCounter = 0
		}
		return vadNone

	case vadSpeaking:
		if voiced {
			v.speechActiveMs += dur
			v.silenceFrames = 0
			v.hangoverLeft = 0
			return vadNone
		}
		v.silenceFrames++
		if float64(v.silenceFrames)*dur < minSilenceMs {
			return vadNone
		}
		if v.hangoverLeft == 0 {
			v.hangoverLeft = hangoverFrames
		}
		v.hangoverLeft--
		if v.hangoverLeft > 0 {
			return vadNone
		}
		active := v.speechActiveMs
		v.state = vadIdle
		v.onsetCounter = 0
		v.silenceFrames = 0
		v.speechActiveMs = 0
		if active < minSpeechMs {
			return vadSpeechEndDropped
		}
		return vadSpeechEnd
	}
	return vadNone
}

// Speaking reports whether the VAD currently considers the session to be
// mid-utterance, used to gate interim-transcription dispatch.
func (v *simpleVAD) Speaking() bool { return v.state == vadSpeaking }

// rms returns the root-mean-square amplitude of samples, normalized to
// [0,1], a few lines of arithmetic the teacher would hand-roll rather than
// import a DSP library for (cf. imagegen/draw.go's own small numeric
// helpers).
func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range samples {
		f := float64(s) / math.MaxInt16
		sumSq += f * f
	}
	return math.Sqrt(sumSq / float64(len(samples)))
}
