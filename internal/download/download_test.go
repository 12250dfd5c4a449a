// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestFile_happyPath(t *testing.T) {
	const body = "hello world, this is the file content"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dst := filepath.Join(dir, "model.bin")
	var events []Progress
	err := File(context.Background(), srv.Client(), srv.URL, dst, 0, 1, func(p Progress) {
		events = append(events, p)
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != body {
		t.Fatalf("got %q, want %q", got, body)
	}
	if len(events) == 0 {
		t.Fatal("expected at least one progress event")
	}
	last := events[len(events)-1]
	if last.BytesDownloaded != int64(len(body)) {
		t.Fatalf("final BytesDownloaded = %d, want %d", last.BytesDownloaded, len(body))
	}
}

func TestFile_resumesFromPartial(t *testing.T) {
	const full = "0123456789ABCDEFGHIJ"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(full)))
			_, _ = w.Write([]byte(full))
			return
		}
		s := strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-")
		start, err := strconv.Atoi(s)
		if err != nil {
			t.Fatalf("unparsable Range header %q: %v", rng, err)
		}
		w.Header().Set("Content-Range", "bytes "+strconv.Itoa(start)+"-/"+strconv.Itoa(len(full)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte(full[start:]))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dst := filepath.Join(dir, "model.bin")
	if err := os.WriteFile(dst+".partial", []byte(full[:10]), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := File(context.Background(), srv.Client(), srv.URL, dst, 0, 1, nil); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != full {
		t.Fatalf("got %q, want %q", got, full)
	}
}

func TestFile_cancelStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dst := filepath.Join(dir, "model.bin")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := File(ctx, srv.Client(), srv.URL, dst, 0, 1, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestCancel_removesPartial(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "model.bin")
	if err := os.WriteFile(dst+".partial", []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}
	done, err := Cancel(dst, true)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("expected cleanup to complete")
	}
	if _, err := os.Stat(dst + ".partial"); !os.IsNotExist(err) {
		t.Fatalf("expected partial file to be removed, stat err = %v", err)
	}
}

func TestDelete_missingIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	if err := Delete(filepath.Join(dir, "nope.bin")); err != nil {
		t.Fatalf("Delete of a missing file should be a no-op, got %v", err)
	}
}
