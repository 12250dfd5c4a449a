// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package backend

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/lemonade-router/lemonade-server/internal/download"
	"github.com/lemonade-router/lemonade-server/internal/registry"
)

// unzipBinaries extracts the files matching any of wanted (shell-glob
// patterns, matched against the base name) from a zip archive, the same
// flattening llm/llamacppsrv.DownloadRelease does for llama.cpp's release
// zips (files are nested under build/bin/ upstream; only the base name
// matters here).
func unzipBinaries(zipPath, destDir string, wanted []string) error {
	z, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer z.Close()
	for _, f := range z.File {
		n := filepath.Base(f.Name)
		matched := false
		for _, pattern := range wanted {
			if ok, _ := filepath.Match(pattern, n); ok {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if err := extractOne(f, filepath.Join(destDir, n)); err != nil {
			return fmt.Errorf("failed to extract %q: %w", n, err)
		}
	}
	return nil
}

func extractOne(f *zip.File, dst string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	_, err = io.CopyN(out, src, int64(f.UncompressedSize64))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

// checkpointPath and checkpointURL delegate to the registry package, which
// owns the on-disk layout convention (and the recipe-gated file extension:
// a packed GGUF for llamacpp/sd-cpp, ".bin" for whispercpp, no extension
// for the oga-*/flm directory-snapshot recipes) so that the registry's own
// disk-presence scan and the adapters agree on where a checkpoint lives.
func checkpointPath(cacheDir string, rec *registry.Record) string {
	return registry.CheckpointPath(cacheDir, rec)
}

func checkpointURL(rec *registry.Record) string {
	return registry.CheckpointURL(rec)
}

// downloadCheckpoint fetches rec's primary checkpoint (and its mmproj
// sidecar, when present) into cacheDir/models.
func downloadCheckpoint(ctx context.Context, cacheDir string, rec *registry.Record, onProgress func(done, total int64)) error {
	if err := os.MkdirAll(filepath.Join(cacheDir, "models"), 0o755); err != nil {
		return err
	}
	dst := checkpointPath(cacheDir, rec)
	total := 1
	if rec.MMProj != "" {
		total = 2
	}
	if err := download.File(ctx, nil, checkpointURL(rec), dst, 0, total, func(p download.Progress) {
		if onProgress != nil {
			onProgress(p.BytesDownloaded, p.BytesTotal)
		}
	}); err != nil {
		return err
	}
	if rec.MMProj == "" {
		return nil
	}
	mmrec := &registry.Record{Checkpoint: rec.MMProj, Recipe: rec.Recipe}
	mmDst := checkpointPath(cacheDir, mmrec)
	return download.File(ctx, nil, checkpointURL(mmrec), mmDst, 1, total, func(p download.Progress) {
		if onProgress != nil {
			onProgress(p.BytesDownloaded, p.BytesTotal)
		}
	})
}

// forwardHTTP POSTs body to url and copies the raw response to w,
// generalizing sd.go's genImage JSON-forward for use by every recipe's
// native-API proxy (spec §4.7 calls this after request translation).
func forwardHTTP(ctx context.Context, url string, body io.Reader, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backend returned %s: %s", resp.Status, b)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}
