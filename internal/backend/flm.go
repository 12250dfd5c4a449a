// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/lemonade-router/lemonade-server/internal/registry"
	"github.com/lemonade-router/lemonade-server/internal/supervisor"
)

// flmAdapter fronts FastFlowLM-NPU's server binary. Like ogaAdapter it has
// no teacher analog and is grounded on llamaCppAdapter's shape.
type flmAdapter struct{}

func (a *flmAdapter) exeName() string {
	if runtime.GOOS == "windows" {
		return "flm-server.exe"
	}
	return "flm-server"
}

func (a *flmAdapter) Install(ctx context.Context, cacheDir string) error {
	exe := filepath.Join(cacheDir, a.exeName())
	if _, err := os.Stat(exe); err == nil {
		return nil
	}
	return fmt.Errorf("flm-server is not installed in %q; install the FastFlowLM-NPU runtime first", cacheDir)
}

func (a *flmAdapter) DownloadModel(ctx context.Context, cacheDir string, rec *registry.Record, onProgress func(done, total int64)) error {
	return downloadCheckpoint(ctx, cacheDir, rec, onProgress)
}

func (a *flmAdapter) Load(ctx context.Context, cacheDir, logDir string, rec *registry.Record) (*supervisor.Process, error) {
	spec := supervisor.Spec{
		Exe:          filepath.Join(cacheDir, a.exeName()),
		Args:         []string{"--model", checkpointPath(cacheDir, rec)},
		PortFlag:     "--port",
		Dir:          cacheDir,
		LogPath:      filepath.Join(logDir, rec.ID+".log"),
		HealthPath:   "/health",
		ReadyTimeout: supervisor.NPUReadyTimeout,
	}
	return supervisor.Start(ctx, spec)
}

func (a *flmAdapter) Unload(p *supervisor.Process) error {
	return p.Stop()
}

func (a *flmAdapter) Forward(ctx context.Context, p *supervisor.Process, path string, body io.Reader, w io.Writer) error {
	return forwardHTTP(ctx, p.BaseURL+path, body, w)
}
