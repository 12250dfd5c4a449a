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

// ogaAdapter fronts AMD's ryzenai-serve (ONNX GenAI runtime), one of four
// device variants. It has no direct teacher analog; it is grounded on the
// llamaCppAdapter's shape (spec §4.2: "swapping the installed binary for
// ryzenai-serve").
type ogaAdapter struct {
	variant registry.Recipe
}

func (a *ogaAdapter) exeName() string {
	if runtime.GOOS == "windows" {
		return "ryzenai-serve.exe"
	}
	return "ryzenai-serve"
}

func (a *ogaAdapter) Install(ctx context.Context, cacheDir string) error {
	exe := filepath.Join(cacheDir, a.exeName())
	if _, err := os.Stat(exe); err == nil {
		return nil
	}
	return fmt.Errorf("ryzenai-serve is not installed in %q; install the AMD RyzenAI runtime package first", cacheDir)
}

func (a *ogaAdapter) DownloadModel(ctx context.Context, cacheDir string, rec *registry.Record, onProgress func(done, total int64)) error {
	return downloadCheckpoint(ctx, cacheDir, rec, onProgress)
}

func (a *ogaAdapter) Load(ctx context.Context, cacheDir, logDir string, rec *registry.Record) (*supervisor.Process, error) {
	args := []string{"--model-dir", checkpointPath(cacheDir, rec), "--device", a.variant.Device().String()}
	if rec.MaxPromptLength > 0 {
		args = append(args, "--max-prompt-length", strconv.Itoa(rec.MaxPromptLength))
	}
	timeout := supervisor.DefaultReadyTimeout
	if a.variant.Device()&registry.DeviceNPU != 0 {
		timeout = supervisor.NPUReadyTimeout
	}
	spec := supervisor.Spec{
		Exe:          filepath.Join(cacheDir, a.exeName()),
		Args:         args,
		PortFlag:     "--port",
		Dir:          cacheDir,
		LogPath:      filepath.Join(logDir, rec.ID+".log"),
		HealthPath:   "/health",
		ReadyTimeout: timeout,
	}
	return supervisor.Start(ctx, spec)
}

func (a *ogaAdapter) Unload(p *supervisor.Process) error {
	return p.Stop()
}

func (a *ogaAdapter) Forward(ctx context.Context, p *supervisor.Process, path string, body io.Reader, w io.Writer) error {
	return forwardHTTP(ctx, p.BaseURL+path, body, w)
}
