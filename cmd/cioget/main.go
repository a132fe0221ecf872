// Command cioget fetches URLs through one engine and prints a status line
// for each.
//
//	cioget [-config engine.json] [-v] URL...
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/josephcopenhaver/go-exp-cio-http-engine/xnet/xhttp"
)

func loadConfig(path string) (xhttp.EngineConfig, error) {
	if path == "" {
		return xhttp.DefaultEngineConfig(), nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return xhttp.EngineConfig{}, err
	}

	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return xhttp.EngineConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}

	return xhttp.DecodeConfig(raw)
}

type result struct {
	url      string
	status   string
	size     int64
	duration time.Duration
	err      error
}

func fetch(ctx context.Context, e *xhttp.Engine, u string) result {
	start := time.Now()
	r := result{url: u}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		r.err = err
		return r
	}

	resp, err := e.Execute(ctx, req)
	if err != nil {
		r.err = err
		r.duration = time.Since(start)
		return r
	}
	defer resp.Body.Close()

	r.status = resp.Status
	r.size, r.err = io.Copy(io.Discard, resp.Body)
	r.duration = time.Since(start)

	return r
}

func run(ctx context.Context, configPath string, urls []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	e, err := xhttp.NewEngine(ctx,
		xhttp.EngineOpts().Config(cfg),
		xhttp.EngineOpts().UserAgent("cioget/1"),
	)
	if err != nil {
		return err
	}
	defer e.Close()

	results := make([]result, len(urls))

	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = fetch(ctx, e, u)
		}()
	}
	wg.Wait()

	var errs []error
	for _, r := range results {
		if r.err != nil {
			fmt.Printf("%s\tERROR\t%v\n", r.url, r.err)
			errs = append(errs, r.err)
			continue
		}
		fmt.Printf("%s\t%s\t%d bytes\t%s\n", r.url, r.status, r.size, r.duration.Round(time.Millisecond))
	}

	return errors.Join(errs...)
}

func main() {
	configPath := flag.String("config", "", "path to a JSON engine config")
	verbose := flag.Bool("v", false, "log connection lifecycle events")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: cioget [-config engine.json] [-v] URL...")
		os.Exit(2)
	}

	if *verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, *configPath, flag.Args()); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "fetch failed", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}
