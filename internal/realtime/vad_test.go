// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package realtime

import "testing"

// loudFrame is a 20ms (320-sample) frame whose RMS clears energyThreshold.
func loudFrame() []int16 {
	s := make([]int16, 320)
	for i := range s {
		if i%2 == 0 {
			s[i] = 20000
		} else {
			s[i] = -20000
		}
	}
	return s
}

// silentFrame is a 20ms frame of pure silence.
func silentFrame() []int16 {
	return make([]int16, 320)
}

func TestSimpleVAD_onsetRequiresTwoFrames(t *testing.T) {
	var v simpleVAD
	if ev := v.Feed(loudFrame()); ev != vadNone {
		t.Fatalf("first loud frame should not yet trigger onset, got %v", ev)
	}
	if ev := v.Feed(loudFrame()); ev != vadSpeechStart {
		t.Fatalf("second consecutive loud frame should trigger SpeechStart, got %v", ev)
	}
	if !v.Speaking() {
		t.Fatal("expected Speaking() to be true after SpeechStart")
	}
}

func TestSimpleVAD_onsetResetsOnSilence(t *testing.T) {
	var v simpleVAD
	v.Feed(loudFrame())
	v.Feed(silentFrame())
	if ev := v.Feed(loudFrame()); ev == vadSpeechStart {
		t.Fatal("onset counter must reset after an intervening silent frame")
	}
}

func TestSimpleVAD_endAfterHangover(t *testing.T) {
	var v simpleVAD
	v.Feed(loudFrame())
	v.Feed(loudFrame()) // SpeechStart
	// Sustain long enough to clear minSpeechMs before going silent.
	for i := 0; i < 20; i++ {
		v.Feed(loudFrame())
	}
	var ev vadEvent
	// minSilenceMs=800 at 20ms/frame is reached on the 40th silent frame;
	// the hangoverFrames=6 countdown starts on that frame, so the event
	// fires on the 45th.
	for i := 0; i < 60; i++ {
		ev = v.Feed(silentFrame())
		if ev != vadNone {
			break
		}
	}
	if ev != vadSpeechEnd {
		t.Fatalf("expected vadSpeechEnd, got %v", ev)
	}
	if v.Speaking() {
		t.Fatal("expected Speaking() to be false after SpeechEnd")
	}
}

func TestSimpleVAD_shortUtteranceDropped(t *testing.T) {
	var v simpleVAD
	v.Feed(loudFrame())
	v.Feed(loudFrame()) // SpeechStart, speechActiveMs starts accumulating from here
	var ev vadEvent
	for i := 0; i < 60; i++ {
		ev = v.Feed(silentFrame())
		if ev != vadNone {
			break
		}
	}
	if ev != vadSpeechEndDropped {
		t.Fatalf("expected vadSpeechEndDropped for an utterance shorter than minSpeechMs, got %v", ev)
	}
}

func TestRMS_silenceIsZero(t *testing.T) {
	if r := rms(silentFrame()); r != 0 {
		t.Fatalf("rms(silence) = %v, want 0", r)
	}
}

func TestRMS_loudExceedsThreshold(t *testing.T) {
	if r := rms(loudFrame()); r < energyThreshold {
		t.Fatalf("rms(loud) = %v, want >= %v", r, energyThreshold)
	}
}
