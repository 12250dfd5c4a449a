// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestMain re-execs the test binary itself as a fake backend child when
// GO_WANT_HELPER_PROCESS is set, the same self-exec trick used by the Go
// standard library's own os/exec tests.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runHelperProcess()
		return
	}
	// Children started by the tests inherit this and run as the helper.
	_ = os.Setenv("GO_WANT_HELPER_PROCESS", "1")
	os.Exit(m.Run())
}

func runHelperProcess() {
	var port string
	for i, a := range os.Args {
		if a == "--port" && i+1 < len(os.Args) {
			port = os.Args[i+1]
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(os.Stdout, "INPUT_TOKENS=12")
		fmt.Fprintln(os.Stdout, "OUTPUT_TOKENS=34")
		w.WriteHeader(http.StatusOK)
	})
	_ = http.ListenAndServe("localhost:"+port, mux)
}

func fakeExe(t *testing.T) string {
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	return exe
}

func TestStart_readyAndStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dir := t.TempDir()
	p, err := Start(ctx, Spec{
		Exe:          fakeExe(t),
		Args:         []string{"-test.run=^$"},
		PortFlag:     "--port",
		Dir:          filepath.Dir(fakeExe(t)),
		LogPath:      filepath.Join(dir, "child.log"),
		HealthPath:   "/health",
		ReadyTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Port == 0 {
		t.Fatal("expected a non-zero port")
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() = %v, want nil for a signaled exit", err)
	}
}

func TestStart_readinessTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dir := t.TempDir()
	// "true" exits 0 immediately without ever opening the health port, so
	// Start fails readiness by reporting the early exit, before
	// ReadyTimeout elapses.
	_, err := Start(ctx, Spec{
		Exe:          "/bin/true",
		Dir:          dir,
		LogPath:      filepath.Join(dir, "child.log"),
		HealthPath:   "/health",
		ReadyTimeout: 300 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected a readiness error")
	}
}
