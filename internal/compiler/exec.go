package compiler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/typesetd/typesetd/internal/log"
	"github.com/typesetd/typesetd/internal/pkgcache"
	"github.com/typesetd/typesetd/internal/render"
)

const (
	mainFileName = "main.typ"

	// maxStderrBytes caps captured compiler stderr.
	maxStderrBytes = 64 * 1024
)

// Exec runs the compiler executable once per document. The compiler is
// pointed at the shared package cache and given no credentials or proxy
// configuration; package downloads happen in the worker before compilation,
// never inside the compiler.
type Exec struct {
	binary   string
	fontsDir string
	cache    *pkgcache.Cache
	maxPages int
	logger   *slog.Logger
}

// NewExec creates an Exec compiler. maxPages caps how many page images are
// returned; the full page count is always reported.
func NewExec(binary, fontsDir string, cache *pkgcache.Cache, maxPages int) *Exec {
	if maxPages <= 0 {
		maxPages = 10
	}
	return &Exec{
		binary:   binary,
		fontsDir: fontsDir,
		cache:    cache,
		maxPages: maxPages,
		logger:   log.WithComponent("compiler"),
	}
}

// Compile writes the document into a scratch root and invokes the compiler.
// The scratch root is also the compile root, so documents cannot read files
// outside it.
func (e *Exec) Compile(ctx context.Context, source string) (*Result, []render.Diagnostic, error) {
	workDir, err := os.MkdirTemp("", "typesetd-compile-")
	if err != nil {
		return nil, nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	mainFile := filepath.Join(workDir, mainFileName)
	if err := os.WriteFile(mainFile, []byte(source), 0o600); err != nil {
		return nil, nil, fmt.Errorf("write document: %w", err)
	}

	outPattern := filepath.Join(workDir, "page-{p}.png")
	cmd := exec.CommandContext(ctx, e.binary, e.compileArgs(workDir, mainFile, outPattern)...)
	cmd.Dir = workDir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"TYPST_FONT_PATHS=" + e.fontsDir,
		// No proxy variables, no credentials: the compiler has nothing to
		// talk to but the filesystem.
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}

	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			return nil, nil, fmt.Errorf("run compiler %q: %w", e.binary, runErr)
		}
		diags := ParseDiagnostics(stderr.String(), source)
		if len(diags) == 0 {
			return nil, nil, fmt.Errorf("compiler exited abnormally without diagnostics: %s", truncate(stderr.String()))
		}
		return nil, diags, nil
	}

	warnings := warningsOnly(ParseDiagnostics(stderr.String(), source))

	pages, total, err := collectPages(workDir, e.maxPages)
	if err != nil {
		return nil, nil, err
	}
	if total == 0 {
		return nil, nil, fmt.Errorf("compiler produced no pages")
	}
	return &Result{Pages: pages, PageCount: total, Warnings: warnings}, nil, nil
}

// compileArgs builds the compiler invocation. The cache is optional: a
// worker running without one compiles package-free documents only, so the
// package path flag is simply omitted.
func (e *Exec) compileArgs(workDir, mainFile, outPattern string) []string {
	args := []string{
		"compile",
		"--root", workDir,
		"--format", "png",
		"--diagnostic-format", "short",
	}
	if e.cache != nil {
		args = append(args, "--package-cache-path", e.cache.Root())
	}
	return append(args, mainFile, outPattern)
}

// collectPages reads page-N.png files in page order, returning up to
// maxPages images and the total page count.
func collectPages(dir string, maxPages int) ([][]byte, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("list output pages: %w", err)
	}

	var numbers []int
	byNumber := make(map[int]string)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "page-") || !strings.HasSuffix(name, ".png") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "page-"), ".png"))
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
		byNumber[n] = filepath.Join(dir, name)
	}
	sort.Ints(numbers)

	var pages [][]byte
	for i, n := range numbers {
		if i >= maxPages {
			break
		}
		data, err := os.ReadFile(byNumber[n])
		if err != nil {
			return nil, 0, fmt.Errorf("read page %d: %w", n, err)
		}
		pages = append(pages, data)
	}
	return pages, len(numbers), nil
}

func warningsOnly(diags []render.Diagnostic) []render.Diagnostic {
	var out []render.Diagnostic
	for _, d := range diags {
		if d.Severity == render.SeverityWarning {
			out = append(out, d)
		}
	}
	return out
}

func truncate(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return strings.TrimSpace(s)
}
