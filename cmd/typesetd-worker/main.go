// typesetd-worker is the render subprocess. It speaks length-prefixed frames
// on stdin/stdout, renders one document at a time, and is expected to be
// killed without ceremony when it misbehaves. All logging goes to stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/typesetd/typesetd/internal/compiler"
	"github.com/typesetd/typesetd/internal/log"
	"github.com/typesetd/typesetd/internal/pkgcache"
	"github.com/typesetd/typesetd/internal/registry"
	"github.com/typesetd/typesetd/internal/worker"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("typesetd-worker", flag.ContinueOnError)
	compilerPath := fs.String("compiler", "typst", "Path to the compiler executable")
	fontsDir := fs.String("fonts-dir", "", "Directory with additional fonts")
	cacheDir := fs.String("cache-dir", "", "Package cache directory")
	registryURL := fs.String("registry", "", "Package registry base URL (empty disables resolution)")
	maxPages := fs.Int("max-pages", 10, "Maximum pages returned per render")
	logLevel := fs.String("log-level", "info", "Log level")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	log.Setup(*logLevel)
	logger := log.WithComponent("worker")

	var cache *pkgcache.Cache
	if *cacheDir != "" {
		var err error
		cache, err = pkgcache.Open(*cacheDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open package cache: %v\n", err)
			return 1
		}
	}

	comp := compiler.NewExec(*compilerPath, *fontsDir, cache, *maxPages)

	// The registry client reports download progress through the pipeline,
	// which does not exist yet when the client is built; route it through a
	// late-bound closure.
	var pipeline *worker.Pipeline
	var resolver worker.PackageResolver
	if *registryURL != "" && cache != nil {
		client, err := registry.New(*registryURL, cache, func(msg string) {
			if pipeline != nil {
				pipeline.Progress(msg)
			}
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "configure registry client: %v\n", err)
			return 1
		}
		resolver = client
	}
	pipeline = worker.New(comp, resolver)

	logger.Info("worker ready", "compiler", *compilerPath, "registry", *registryURL)
	if err := pipeline.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		logger.Error("request channel failed", "error", err)
		return 1
	}
	return 0
}
