// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/lemonade-router/lemonade-server/internal/download"
	"github.com/lemonade-router/lemonade-server/internal/registry"
	"github.com/lemonade-router/lemonade-server/internal/supervisor"
)

// llamaCppVersion pins the llama-server GitHub release fetched by Install,
// the same "bNNNN" release tag scheme as the teacher's DownloadRelease.
const llamaCppVersion = 3890

// llamaCppAdapter fronts a llama-server child over its native HTTP API,
// directly generalizing llm/llamacppsrv.Server (spec §4.2).
type llamaCppAdapter struct{}

func (a *llamaCppAdapter) exeName() string {
	if runtime.GOOS == "windows" {
		return "llama-server.exe"
	}
	return "llama-server"
}

func (a *llamaCppAdapter) Install(ctx context.Context, cacheDir string) error {
	exe := filepath.Join(cacheDir, a.exeName())
	if _, err := os.Stat(exe); err == nil {
		if out, verErr := exec.CommandContext(ctx, exe, "--version").CombinedOutput(); verErr == nil {
			if len(out) > 0 {
				return nil
			}
		}
	}
	build := "b" + strconv.Itoa(llamaCppVersion)
	zipname := releaseAsset(build, currentOptions().LlamaCppBackend)
	if zipname == "" {
		return fmt.Errorf("no known llama.cpp release asset for %s/%s", runtime.GOOS, runtime.GOARCH)
	}
	url := "https://github.com/ggerganov/llama.cpp/releases/download/" + build + "/" + zipname
	zippath := filepath.Join(cacheDir, zipname)
	if err := download.File(ctx, nil, url, zippath, 0, 1, nil); err != nil {
		return fmt.Errorf("failed to download %s: %w", zipname, err)
	}
	return unzipBinaries(zippath, cacheDir, []string{a.exeName(), "*.so", "*.dylib", "ggml.dll", "llama.dll"})
}

// releaseAsset picks the llama.cpp release zip for this host, honoring an
// explicit --llamacpp backend override (vulkan/rocm/metal/cpu) when given,
// otherwise falling back to the teacher's GOOS-only heuristic (spec §6).
func releaseAsset(build, wantBackend string) string {
	switch runtime.GOOS {
	case "darwin":
		return "llama-" + build + "-bin-macos-arm64.zip"
	case "linux":
		switch wantBackend {
		case "vulkan":
			return "llama-" + build + "-bin-ubuntu-vulkan-x64.zip"
		case "rocm":
			return "llama-" + build + "-bin-ubuntu-rocm-x64.zip"
		default:
			return "llama-" + build + "-bin-ubuntu-x64.zip"
		}
	case "windows":
		switch wantBackend {
		case "vulkan":
			return "llama-" + build + "-bin-win-vulkan-x64.zip"
		case "rocm":
			return "llama-" + build + "-bin-win-rocm-x64.zip"
		default:
			return "llama-" + build + "-bin-win-avx2-x64.zip"
		}
	default:
		return ""
	}
}

func (a *llamaCppAdapter) DownloadModel(ctx context.Context, cacheDir string, rec *registry.Record, onProgress func(done, total int64)) error {
	return downloadCheckpoint(ctx, cacheDir, rec, onProgress)
}

func (a *llamaCppAdapter) Load(ctx context.Context, cacheDir, logDir string, rec *registry.Record) (*supervisor.Process, error) {
	modelPath := checkpointPath(cacheDir, rec)
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	opts := currentOptions()
	args := []string{"--model", modelPath, "--metrics"}
	if rec.MMProj != "" {
		args = append(args, "--mmproj", checkpointPath(cacheDir, &registry.Record{Checkpoint: rec.MMProj, Recipe: rec.Recipe}))
	}
	switch {
	case rec.MaxPromptLength > 0:
		args = append(args, "--ctx-size", strconv.Itoa(rec.MaxPromptLength))
	case opts.CtxSize > 0:
		args = append(args, "--ctx-size", strconv.Itoa(opts.CtxSize))
	}
	args = append(args, opts.LlamaCppArgs...)
	spec := supervisor.Spec{
		Exe:          filepath.Join(cacheDir, a.exeName()),
		Args:         args,
		PortFlag:     "--port",
		Dir:          cacheDir,
		LogPath:      filepath.Join(logDir, rec.ID+".log"),
		HealthPath:   "/health",
		ReadyTimeout: supervisor.DefaultReadyTimeout,
	}
	return supervisor.Start(ctx, spec)
}

func (a *llamaCppAdapter) Unload(p *supervisor.Process) error {
	return p.Stop()
}

func (a *llamaCppAdapter) Forward(ctx context.Context, p *supervisor.Process, path string, body io.Reader, w io.Writer) error {
	return forwardHTTP(ctx, p.BaseURL+path, body, w)
}
