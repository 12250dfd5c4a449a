// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package backend defines the adapter interface fronting every recipe
// family, generalizing the teacher's ad hoc llm.Session/imagegen.Session/
// stableDiffusion trio into one interface with one implementation per
// recipe (spec §4.2).
package backend

import (
	"context"
	"io"

	"github.com/lemonade-router/lemonade-server/internal/registry"
	"github.com/lemonade-router/lemonade-server/internal/supervisor"
)

// Adapter fronts one running backend process for one loaded model.
type Adapter interface {
	// Install ensures the backend executable is present in cacheDir,
	// downloading it if necessary. Idempotent.
	Install(ctx context.Context, cacheDir string) error

	// DownloadModel ensures rec's weights are present in cacheDir.
	DownloadModel(ctx context.Context, cacheDir string, rec *registry.Record, onProgress func(done, total int64)) error

	// Load starts the backend child process serving rec and blocks until it
	// reports healthy or fails.
	Load(ctx context.Context, cacheDir, logDir string, rec *registry.Record) (*supervisor.Process, error)

	// Unload stops the backend child process.
	Unload(p *supervisor.Process) error

	// Forward proxies one HTTP request body to the backend's native API,
	// writing the raw response to w. Used by the gateway's streaming proxy
	// (spec §4.7) once the request has been translated to the backend's
	// wire shape.
	Forward(ctx context.Context, p *supervisor.Process, path string, body io.Reader, w io.Writer) error
}

// Factory returns the Adapter implementation for recipe r.
func Factory(r registry.Recipe) Adapter {
	switch r {
	case registry.RecipeLlamaCpp:
		return &llamaCppAdapter{}
	case registry.RecipeOGACPU, registry.RecipeOGANPU, registry.RecipeOGAHybrid, registry.RecipeOGAiGPU:
		return &ogaAdapter{variant: r}
	case registry.RecipeFLM:
		return &flmAdapter{}
	case registry.RecipeWhisperCpp:
		return &whisperCppAdapter{}
	case registry.RecipeSDCpp:
		return &sdCppAdapter{}
	default:
		return nil
	}
}
