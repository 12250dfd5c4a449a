// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package backend

import "sync/atomic"

// Options carries the CLI-wide defaults from spec §6 (--ctx-size,
// --llamacpp, --llamacpp-args) that apply to every load unless a registry
// record overrides them. It is configured once at startup and read by
// every adapter's Load, the one piece of process-wide state this router
// needs (everything per-request lives on the Router/Slot, per spec §9).
type Options struct {
	// CtxSize is the default context window, used when a record doesn't
	// set MaxPromptLength.
	CtxSize int
	// LlamaCppBackend selects the llama.cpp build fetched by Install:
	// "vulkan", "rocm", "metal", or "cpu". Empty means "pick from GOOS".
	LlamaCppBackend string
	// LlamaCppArgs are appended verbatim to every llamacpp Load.
	LlamaCppArgs []string
}

var current atomic.Pointer[Options]

// Configure installs the process-wide adapter defaults. Called once by
// cmd/lemonade-server's main before the gateway starts serving.
func Configure(o Options) {
	current.Store(&o)
}

// currentOptions returns the configured Options, or the zero value if Configure
// was never called (tests construct adapters directly and never hit this).
func currentOptions() Options {
	if p := current.Load(); p != nil {
		return *p
	}
	return Options{}
}
