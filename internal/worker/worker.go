// Package worker implements the isolated render process. It blocks on its
// input channel, executes one request at a time against the compiler, and
// never opens a network connection other than the registry fetch path.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"runtime/debug"
	"sync"
	"time"

	"github.com/typesetd/typesetd/internal/compiler"
	"github.com/typesetd/typesetd/internal/log"
	"github.com/typesetd/typesetd/internal/pkgcache"
	"github.com/typesetd/typesetd/internal/protocol"
	"github.com/typesetd/typesetd/internal/registry"
	"github.com/typesetd/typesetd/internal/render"
)

var packageRefPattern = regexp.MustCompile(`"(@[a-z0-9][a-z0-9-]*/[a-z0-9][a-z0-9-]*:[0-9]+\.[0-9]+\.[0-9]+)"`)

// PackageResolver makes a package available locally. Implemented by
// *registry.Client.
type PackageResolver interface {
	Ensure(ctx context.Context, spec pkgcache.Spec) (string, error)
}

// Pipeline executes render requests read from a framed stream.
type Pipeline struct {
	compiler compiler.Compiler
	packages PackageResolver
	logger   *slog.Logger

	mu  sync.Mutex
	out io.Writer // non-nil only while Serve runs
}

// New creates a Pipeline. packages may be nil when package resolution is
// disabled (documents with package references then fail with a package
// diagnostic).
func New(c compiler.Compiler, packages PackageResolver) *Pipeline {
	return &Pipeline{
		compiler: c,
		packages: packages,
		logger:   log.WithComponent("worker"),
	}
}

// Progress emits a non-terminal progress frame. Safe to call at any time;
// it is a no-op while no request stream is active. Wire it as the registry
// client's progress callback.
func (p *Pipeline) Progress(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out == nil {
		return
	}
	err := protocol.WriteMessage(p.out, &protocol.Message{
		Kind:     protocol.KindProgress,
		Progress: &protocol.Progress{Message: msg},
	})
	if err != nil {
		p.logger.Error("write progress frame", "error", err)
	}
}

// Serve processes requests from r until EOF (supervisor closed the channel)
// or an unrecoverable channel error. Exactly one terminal reply is written
// per render frame.
func (p *Pipeline) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	p.mu.Lock()
	p.out = w
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.out = nil
		p.mu.Unlock()
	}()

	for {
		msg, err := protocol.ReadMessage(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read request: %w", err)
		}
		if msg.Kind != protocol.KindRender {
			return fmt.Errorf("unexpected %s frame from supervisor", msg.Kind)
		}

		reply := p.handle(ctx, msg.Render)
		p.mu.Lock()
		err = protocol.WriteMessage(w, reply)
		p.mu.Unlock()
		if err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
	}
}

// handle runs one request. Panics inside the compiler are recovered into a
// failed reply; failures that kill the process are the supervisor's problem
// by design.
func (p *Pipeline) handle(ctx context.Context, req *protocol.Render) (reply *protocol.Message) {
	logger := p.logger.With("request_id", req.RequestID)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic during render", "panic", r, "stack", string(debug.Stack()))
			reply = failed(fmt.Sprintf("panicked at '%v'", r))
		}
	}()

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	if msg := p.resolvePackages(ctx, req.Source, logger); msg != nil {
		return msg
	}

	result, diags, err := p.compiler.Compile(ctx, req.Source)
	switch {
	case err != nil:
		logger.Warn("compiler failure", "error", err)
		return failed(err.Error())
	case diags != nil:
		logger.Info("document diagnosed", "diagnostics", len(diags), "duration", time.Since(start))
		return &protocol.Message{
			Kind:      protocol.KindDiagnosed,
			Diagnosed: &protocol.Diagnosed{Diagnostics: diags},
		}
	default:
		logger.Info("document rendered", "pages", result.PageCount, "duration", time.Since(start))
		return &protocol.Message{
			Kind: protocol.KindRendered,
			Rendered: &protocol.Rendered{
				Pages:     result.Pages,
				PageCount: result.PageCount,
				Warnings:  result.Warnings,
			},
		}
	}
}

// resolvePackages pre-fetches every package the document references.
// Resolution failures are user-visible diagnostics, distinguishable from
// compile errors by their origin.
func (p *Pipeline) resolvePackages(ctx context.Context, source string, logger *slog.Logger) *protocol.Message {
	for _, spec := range ScanPackageRefs(source) {
		if p.packages == nil {
			return packageDiagnosed(fmt.Sprintf("package %s cannot be resolved: package resolution is disabled", spec))
		}

		_, err := p.packages.Ensure(ctx, spec)
		if err == nil {
			continue
		}

		var notFound *registry.NotFoundError
		var unavailable *registry.UnavailableError
		var malformed *registry.MalformedError
		switch {
		case errors.As(err, &notFound), errors.As(err, &malformed):
			logger.Info("package resolution failed", "package", spec.String(), "error", err)
			return packageDiagnosed(err.Error())
		case errors.As(err, &unavailable):
			logger.Warn("registry unavailable", "package", spec.String(), "error", err)
			return packageDiagnosed(err.Error())
		default:
			return failed(fmt.Sprintf("resolve package %s: %v", spec, err))
		}
	}
	return nil
}

// ScanPackageRefs extracts the package specs a document references, in
// order of first appearance, deduplicated.
func ScanPackageRefs(source string) []pkgcache.Spec {
	seen := make(map[pkgcache.Spec]struct{})
	var specs []pkgcache.Spec
	for _, m := range packageRefPattern.FindAllStringSubmatch(source, -1) {
		spec, err := pkgcache.ParseSpec(m[1])
		if err != nil {
			continue
		}
		if _, dup := seen[spec]; dup {
			continue
		}
		seen[spec] = struct{}{}
		specs = append(specs, spec)
	}
	return specs
}

func failed(msg string) *protocol.Message {
	return &protocol.Message{Kind: protocol.KindFailed, Failed: &protocol.Failed{Error: msg}}
}

func packageDiagnosed(msg string) *protocol.Message {
	return &protocol.Message{
		Kind: protocol.KindDiagnosed,
		Diagnosed: &protocol.Diagnosed{Diagnostics: []render.Diagnostic{{
			Severity: render.SeverityError,
			Origin:   render.OriginPackage,
			Message:  msg,
			Span:     render.Span{Line: 1, Column: 1},
		}}},
	}
}
