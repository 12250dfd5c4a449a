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
	"strconv"

	"github.com/lemonade-router/lemonade-server/internal/registry"
	"github.com/lemonade-router/lemonade-server/internal/supervisor"
)

// sdCppAdapter fronts stable-diffusion.cpp's server binary, directly
// generalizing sd.go's newStableDiffusion/genImage (spec §4.2).
type sdCppAdapter struct{}

func (a *sdCppAdapter) exeName() string {
	if runtime.GOOS == "windows" {
		return "sd-server.exe"
	}
	return "sd-server"
}

func (a *sdCppAdapter) Install(ctx context.Context, cacheDir string) error {
	exe := filepath.Join(cacheDir, a.exeName())
	if _, err := os.Stat(exe); err == nil {
		return nil
	}
	return fmt.Errorf("sd-server is not installed in %q", cacheDir)
}

func (a *sdCppAdapter) DownloadModel(ctx context.Context, cacheDir string, rec *registry.Record, onProgress func(done, total int64)) error {
	return downloadCheckpoint(ctx, cacheDir, rec, onProgress)
}

func (a *sdCppAdapter) Load(ctx context.Context, cacheDir, logDir string, rec *registry.Record) (*supervisor.Process, error) {
	args := []string{"--model", checkpointPath(cacheDir, rec)}
	if d := rec.ImageDefaults; d != nil {
		args = append(args, "--steps", strconv.Itoa(d.Steps), "--cfg-scale", strconv.FormatFloat(d.CFGScale, 'f', -1, 64))
	}
	spec := supervisor.Spec{
		Exe:          filepath.Join(cacheDir, a.exeName()),
		Args:         args,
		PortFlag:     "--port",
		Dir:          cacheDir,
		LogPath:      filepath.Join(logDir, rec.ID+".log"),
		HealthPath:   "/",
		ReadyTimeout: supervisor.DefaultReadyTimeout,
	}
	return supervisor.Start(ctx, spec)
}

func (a *sdCppAdapter) Unload(p *supervisor.Process) error {
	return p.Stop()
}

func (a *sdCppAdapter) Forward(ctx context.Context, p *supervisor.Process, path string, body io.Reader, w io.Writer) error {
	return forwardHTTP(ctx, p.BaseURL+path, body, w)
}
