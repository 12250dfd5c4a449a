// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// lemonade-server is a local OpenAI-compatible inference gateway: it
// manages backend model processes, proxies chat/completions/embeddings/
// audio/image requests to them, and exposes an Ollama compatibility shim
// and a realtime WebSocket session endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/lemonade-router/lemonade-server/internal"
	"github.com/lemonade-router/lemonade-server/internal/backend"
	"github.com/lemonade-router/lemonade-server/internal/gateway"
	"github.com/lemonade-router/lemonade-server/internal/realtime"
	"github.com/lemonade-router/lemonade-server/internal/registry"
	"github.com/lemonade-router/lemonade-server/internal/router"
	"github.com/lemonade-router/lemonade-server/internal/sysprobe"
)

// logLevels maps the CLI's --log-level vocabulary (spec §6) onto slog's
// four levels; "critical" and "warning" are source-ism aliases and "trace"
// is finer than slog offers, so it maps to the same level as "debug".
var logLevels = map[string]slog.Level{
	"critical": slog.LevelError,
	"error":    slog.LevelError,
	"warning":  slog.LevelWarn,
	"info":     slog.LevelInfo,
	"debug":    slog.LevelDebug,
	"trace":    slog.LevelDebug,
}

// parseMaxLoadedModels parses a "llm=2,embedding=1,audio=1" style flag
// value into router.Limits, starting from router.DefaultLimits for any
// type left unspecified.
func parseMaxLoadedModels(s string) (router.Limits, error) {
	limits := router.DefaultLimits
	if s == "" {
		return limits, nil
	}
	for _, kv := range strings.Split(s, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return limits, fmt.Errorf("invalid --max-loaded-models entry %q, want key=value", kv)
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return limits, fmt.Errorf("invalid --max-loaded-models entry %q: %w", kv, err)
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "llm":
			limits.LLM = n
		case "embedding", "embeddings":
			limits.Embedding = n
		case "reranking":
			limits.Reranking = n
		case "audio":
			limits.Audio = n
		case "image":
			limits.Image = n
		default:
			return limits, fmt.Errorf("invalid --max-loaded-models key %q", k)
		}
	}
	return limits, nil
}

// defaultCacheDir follows the teacher's huggingface.New token-cache
// convention (os.UserHomeDir()-relative), generalized to os.UserCacheDir().
func defaultCacheDir() string {
	d, err := os.UserCacheDir()
	if err != nil {
		d, _ = os.UserHomeDir()
	}
	return filepath.Join(d, "lemonade")
}

// rootFlags holds every --flag of the root command (spec §6).
type rootFlags struct {
	host            string
	port            int
	logLevel        string
	ctxSize         int
	llamacpp        string
	llamacppArgs    string
	extraModelsDir  string
	maxLoadedModels string
	cache           string
	apiKey          string
	version         bool
}

func registerRootFlags(fs *flag.FlagSet) *rootFlags {
	rf := &rootFlags{}
	fs.StringVar(&rf.host, "host", "localhost", "Host/interface to listen on")
	fs.IntVar(&rf.port, "port", 8000, "Port to listen on")
	fs.StringVar(&rf.logLevel, "log-level", "info", "Log level: critical, error, warning, info, debug, trace")
	fs.IntVar(&rf.ctxSize, "ctx-size", 0, "Default context window for loaded models; 0 defers to each model's default")
	fs.StringVar(&rf.llamacpp, "llamacpp", "", "llama.cpp backend: vulkan, rocm, metal, cpu; empty picks one for the host")
	fs.StringVar(&rf.llamacppArgs, "llamacpp-args", "", "Extra arguments appended verbatim to every llama-server invocation")
	fs.StringVar(&rf.extraModelsDir, "extra-models-dir", "", "Directory of additional model catalog YAML files")
	fs.StringVar(&rf.maxLoadedModels, "max-loaded-models", "", "Per-type slot caps, e.g. \"llm=2,embedding=1,audio=1\"")
	fs.StringVar(&rf.cache, "cache", defaultCacheDir(), "Directory where model weights, backend binaries and logs are cached")
	fs.StringVar(&rf.apiKey, "api-key", "", "Bearer API key required of clients; empty disables auth")
	fs.BoolVar(&rf.version, "version", false, "Print version then exit")
	return rf
}

func mainImpl() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	rf := registerRootFlags(fs)
	fs.Usage = func() {
		o := fs.Output()
		fmt.Fprintf(o, "Usage of %s [pull <model-id>]:\n", os.Args[0])
		fs.PrintDefaults()
	}
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "pull" {
		return runPull(args[1:])
	}
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errParse, err)
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("%w: unexpected argument %q", errParse, fs.Arg(0))
	}

	if rf.version {
		fmt.Printf("lemonade-server %s\n", internal.Commit())
		return nil
	}

	programLevel := &slog.LevelVar{}
	internal.InitLog(programLevel)
	level, ok := logLevels[strings.ToLower(rf.logLevel)]
	if !ok {
		return fmt.Errorf("%w: invalid --log-level %q", errParse, rf.logLevel)
	}
	programLevel.Set(level)

	limits, err := parseMaxLoadedModels(rf.maxLoadedModels)
	if err != nil {
		return fmt.Errorf("%w: %v", errParse, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("main", "message", "shutting down")
	}()

	if err := os.MkdirAll(rf.cache, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	logDir := filepath.Join(rf.cache, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	backend.Configure(backend.Options{
		CtxSize:         rf.ctxSize,
		LlamaCppBackend: rf.llamacpp,
		LlamaCppArgs:    strings.Fields(rf.llamacppArgs),
	})

	// Registry load and system probe warm-up are independent; run them in
	// parallel the way the teacher's LoadModels starts the LLM and
	// ImageGen sides concurrently.
	start := time.Now()
	slog.Info("main", "state", "initializing")
	var reg *registry.Registry
	eg := errgroup.Group{}
	eg.Go(func() error {
		var err error
		if reg, err = registry.New(rf.cache); err != nil {
			return fmt.Errorf("failed to load model registry: %w", err)
		}
		if rf.extraModelsDir != "" {
			if err := reg.LoadExtraDir(rf.extraModelsDir); err != nil {
				return fmt.Errorf("failed to load extra models: %w", err)
			}
		}
		return nil
	})
	eg.Go(func() error {
		if _, err := sysprobeWarm(rf.cache); err != nil {
			slog.Warn("main", "state", "system probe failed", "err", err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return err
	}
	slog.Info("main", "state", "ready", "duration", time.Since(start).Round(time.Millisecond))

	rt := router.New(reg, rf.cache, logDir, limits)

	wsPort := internal.FindFreePort()
	gw := gateway.New(reg, rt, gateway.Options{
		APIKey:   rf.apiKey,
		WSPort:   wsPort,
		CacheDir: rf.cache,
	})
	rtEngine := realtime.New(rt)

	mux := http.NewServeMux()
	mux.Handle("/", gw.Handler())

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", rtEngine.ServeHTTP)

	addr := net.JoinHostPort(rf.host, strconv.Itoa(rf.port))
	wsAddr := net.JoinHostPort(rf.host, strconv.Itoa(wsPort))

	httpSrv := &http.Server{Addr: addr, Handler: mux}
	wsSrv := &http.Server{Addr: wsAddr, Handler: wsMux}

	serveErr := make(chan error, 2)
	listen := func(srv *http.Server, name string) {
		slog.Info("main", "state", "listening", "server", name, "addr", srv.Addr)
		if err := serveDualStack(srv); err != nil && err != http.ErrServerClosed {
			serveErr <- fmt.Errorf("%s: %w", name, err)
			return
		}
		serveErr <- nil
	}
	go listen(httpSrv, "gateway")
	go listen(wsSrv, "realtime")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := wsSrv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	for _, s := range rt.Snapshot() {
		if err := rt.Unload(s.Record.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if runErr != nil {
		errs = append(errs, runErr)
	}
	return errors.Join(errs...)
}

// serveDualStack listens on both IPv4 and IPv6 simultaneously (spec §4.6),
// binding "tcp" (which picks a dual-stack socket on hosts that support
// one) rather than net/http's default single-family ListenAndServe when
// that isn't available.
func serveDualStack(srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	return srv.Serve(ln)
}

var errParse = errors.New("cli")

func runPull(args []string) error {
	fs := flag.NewFlagSet("lemonade-server pull", flag.ContinueOnError)
	cache := fs.String("cache", defaultCacheDir(), "Directory where model weights are cached")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errParse, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: usage: lemonade-server pull <model-id>", errParse)
	}
	modelID := fs.Arg(0)

	reg, err := registry.New(*cache)
	if err != nil {
		return err
	}
	rec := reg.Get(modelID)
	if rec == nil {
		return fmt.Errorf("unknown model %q", modelID)
	}
	adapter := backend.Factory(rec.Recipe)
	if adapter == nil {
		return fmt.Errorf("no backend adapter for recipe %q", rec.Recipe)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	if err := adapter.Install(ctx, *cache); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}
	if rec.Downloaded {
		fmt.Printf("%s already downloaded\n", modelID)
		return nil
	}

	bar := progressbar.DefaultBytes(-1, "downloading "+modelID)
	err = adapter.DownloadModel(ctx, *cache, rec, func(done, total int64) {
		if total > 0 {
			bar.ChangeMax64(total)
		}
		_ = bar.Set64(done)
	})
	_ = bar.Close()
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	reg.SetDownloaded(modelID, true)
	fmt.Printf("%s downloaded\n", modelID)
	return nil
}

// sysprobeWarm primes the system_info.json cache at startup, the same
// read-or-write-default shape as registry.New's catalog load.
func sysprobeWarm(cacheDir string) (sysprobe.Info, error) {
	return sysprobe.Load(cacheDir, internal.Commit())
}

func main() {
	if err := mainImpl(); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "lemonade-server: %v\n", err)
		if errors.Is(err, errParse) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
