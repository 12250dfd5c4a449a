// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package download is a resumable, cancellable file fetcher generalizing
// the teacher's three near-identical downloaders (huggingface.DownloadFile,
// llamacppsrv.downloadFile, get_llama.go's downloadFile) into one engine
// with retry/backoff, a low-speed guard, and throttled progress events
// (spec §4.4).
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Progress is emitted at most once per second (spec §4.4).
type Progress struct {
	File            string
	FileIndex       int
	TotalFiles      int
	BytesDownloaded int64
	BytesTotal      int64 // 0 if unknown
	Percent         float64
}

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	maxAttempts    = 5
	lowSpeedWindow = 60 * time.Second
	lowSpeedFloor  = 1024 // bytes/sec
	progressPeriod = 1 * time.Second
)

// File downloads a single file into dst, resuming from a partial file when
// possible and retrying transient failures with exponential backoff.
//
// onProgress is called at most once per second with this file's progress
// only: idx and total label each event (FileIndex/TotalFiles) and feed the
// unknown-size percent fallback, but no running total across the files of
// a multi-file model is computed here.
func File(ctx context.Context, client *http.Client, url, dst string, idx, total int, onProgress func(Progress)) error {
	if client == nil {
		client = http.DefaultClient
	}
	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		progressed, err := attempt1(ctx, client, url, dst, idx, total, onProgress)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
		if progressed {
			// Reset the backoff on any successful byte progress, per spec §4.4.
			backoff = initialBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	return fmt.Errorf("failed to download %q after %d attempts: %w", url, maxAttempts, lastErr)
}

// attempt1 performs one download attempt, returning whether any new bytes
// were written (used to decide whether to reset the backoff).
func attempt1(ctx context.Context, client *http.Client, url, dst string, idx, total int, onProgress func(Progress)) (progressed bool, err error) {
	var resumeFrom int64
	if fi, statErr := os.Stat(dst + ".partial"); statErr == nil {
		resumeFrom = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		resumeFrom = 0
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return false, fmt.Errorf("unexpected status %s for %q", resp.Status, url)
	}

	f, err := os.OpenFile(dst+".partial", flags, 0o644)
	if err != nil {
		return false, err
	}
	defer f.Close()

	total64 := resp.ContentLength
	if total64 > 0 {
		total64 += resumeFrom
	}

	pw := &progressWriter{
		file:       dst,
		idx:        idx,
		totalFiles: total,
		written:    resumeFrom,
		total:      total64,
		onProgress: onProgress,
		lastEmit:   time.Now().Add(-progressPeriod),
		lastCheck:  time.Now(),
	}
	n, err := io.Copy(io.MultiWriter(f, pw), resp.Body)
	progressed = n > 0
	if err != nil {
		return progressed, err
	}
	if err := f.Close(); err != nil {
		return progressed, err
	}
	if err := os.Rename(dst+".partial", dst); err != nil {
		return progressed, err
	}
	pw.emit(true)
	return true, nil
}

// progressWriter throttles progress callbacks to ≤1 Hz and enforces the
// low-speed guard from spec §4.4: fewer than lowSpeedFloor bytes/sec
// sustained for lowSpeedWindow aborts the attempt (not the retry policy).
// The rate is measured only when a Write arrives, so a connection that
// stops delivering bytes altogether is not aborted by this guard.
type progressWriter struct {
	file       string
	idx        int
	totalFiles int
	written    int64
	total      int64
	onProgress func(Progress)

	lastEmit      time.Time
	lastCheck     time.Time
	lastCheckSize int64
	slowSince     time.Time
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	now := time.Now()
	if now.Sub(w.lastCheck) >= time.Second {
		rate := float64(w.written-w.lastCheckSize) / now.Sub(w.lastCheck).Seconds()
		if rate < lowSpeedFloor {
			if w.slowSince.IsZero() {
				w.slowSince = now
			} else if now.Sub(w.slowSince) >= lowSpeedWindow {
				return len(p), fmt.Errorf("transfer stalled below %d B/s for %s", lowSpeedFloor, lowSpeedWindow)
			}
		} else {
			w.slowSince = time.Time{}
		}
		w.lastCheck = now
		w.lastCheckSize = w.written
	}
	w.emit(false)
	return len(p), nil
}

func (w *progressWriter) emit(force bool) {
	if w.onProgress == nil {
		return
	}
	now := time.Now()
	if !force && now.Sub(w.lastEmit) < progressPeriod {
		return
	}
	w.lastEmit = now
	pct := 0.0
	if w.total > 0 {
		pct = float64(w.written) / float64(w.total) * 100
	} else if w.totalFiles > 0 {
		// Unknown size: fall back to (completed_files + intra_file_fraction)/total_files.
		// We don't know the intra-file fraction without a size, so report
		// file-granularity progress only, per spec §4.4.
		pct = float64(w.idx) / float64(w.totalFiles) * 100
	}
	w.onProgress(Progress{
		File:            w.file,
		FileIndex:       w.idx,
		TotalFiles:      w.totalFiles,
		BytesDownloaded: w.written,
		BytesTotal:      w.total,
		Percent:         pct,
	})
}

// Cancel releases resources associated with an in-flight or aborted
// download of dst and, if deleteData is true, removes any partial data.
// Per spec §4.4, the file handle is released (the caller's File() call
// returning due to ctx cancellation already closed it) before deletion, and
// a CleanupComplete signal is returned so callers may issue a follow-up
// Delete.
func Cancel(dst string, deleteData bool) (cleanupComplete bool, err error) {
	if !deleteData {
		return true, nil
	}
	err = os.Remove(dst + ".partial")
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return err == nil, err
}

// Delete removes a fully downloaded file.
func Delete(dst string) error {
	err := os.Remove(dst)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
