// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"

	"github.com/lemonade-router/lemonade-server/internal/download"
	"github.com/lemonade-router/lemonade-server/internal/registry"
	"github.com/lemonade-router/lemonade-server/internal/supervisor"
)

// whisperCppAdapter fronts whisper.cpp's server binary, forwarding raw
// PCM16 WAV the same way sd.go forwards raw JSON to its python child
// (spec §4.2).
type whisperCppAdapter struct{}

func (a *whisperCppAdapter) exeName() string {
	if runtime.GOOS == "windows" {
		return "whisper-server.exe"
	}
	return "whisper-server"
}

func (a *whisperCppAdapter) Install(ctx context.Context, cacheDir string) error {
	exe := filepath.Join(cacheDir, a.exeName())
	if _, err := os.Stat(exe); err == nil {
		return nil
	}
	url := "https://github.com/ggerganov/whisper.cpp/releases/latest/download/whisper-bin-" + runtime.GOOS + ".zip"
	zippath := filepath.Join(cacheDir, "whisper-bin.zip")
	if err := download.File(ctx, nil, url, zippath, 0, 1, nil); err != nil {
		return fmt.Errorf("failed to download whisper.cpp: %w", err)
	}
	return unzipBinaries(zippath, cacheDir, []string{a.exeName(), "*.so", "*.dylib"})
}

func (a *whisperCppAdapter) DownloadModel(ctx context.Context, cacheDir string, rec *registry.Record, onProgress func(done, total int64)) error {
	return downloadCheckpoint(ctx, cacheDir, rec, onProgress)
}

func (a *whisperCppAdapter) Load(ctx context.Context, cacheDir, logDir string, rec *registry.Record) (*supervisor.Process, error) {
	spec := supervisor.Spec{
		Exe:          filepath.Join(cacheDir, a.exeName()),
		Args:         []string{"--model", checkpointPath(cacheDir, rec), "--convert"},
		PortFlag:     "--port",
		Dir:          cacheDir,
		LogPath:      filepath.Join(logDir, rec.ID+".log"),
		HealthPath:   "/",
		ReadyTimeout: supervisor.DefaultReadyTimeout,
	}
	return supervisor.Start(ctx, spec)
}

func (a *whisperCppAdapter) Unload(p *supervisor.Process) error {
	return p.Stop()
}

// Forward streams raw PCM16 WAV bytes to whisper.cpp's /inference endpoint
// and copies its JSON transcript response to w.
func (a *whisperCppAdapter) Forward(ctx context.Context, p *supervisor.Process, path string, body io.Reader, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "audio/wav")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("whisper.cpp returned %s: %s", resp.Status, b)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}
