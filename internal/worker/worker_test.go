package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/typesetd/typesetd/internal/compiler"
	"github.com/typesetd/typesetd/internal/compiler/mocks"
	"github.com/typesetd/typesetd/internal/pkgcache"
	"github.com/typesetd/typesetd/internal/protocol"
	"github.com/typesetd/typesetd/internal/registry"
	"github.com/typesetd/typesetd/internal/render"
)

// runOne feeds a single render frame through Serve and returns every frame
// the worker wrote back.
func runOne(t *testing.T, p *Pipeline, source string) []*protocol.Message {
	t.Helper()

	var in, out bytes.Buffer
	err := protocol.WriteMessage(&in, &protocol.Message{
		Kind: protocol.KindRender,
		Render: &protocol.Render{
			RequestID: "req-1",
			Source:    source,
			Deadline:  time.Now().Add(30 * time.Second),
		},
	})
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}

	if err := p.Serve(context.Background(), &in, &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var msgs []*protocol.Message
	for out.Len() > 0 {
		msg, err := protocol.ReadMessage(&out)
		if err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		t.Fatalf("worker wrote no reply")
	}
	return msgs
}

func terminal(t *testing.T, msgs []*protocol.Message) *protocol.Message {
	t.Helper()
	last := msgs[len(msgs)-1]
	if !last.Terminal() {
		t.Fatalf("last frame %s is not terminal", last.Kind)
	}
	return last
}

func TestServeRendered(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mock := mocks.NewMockCompiler(ctrl)
	mock.EXPECT().Compile(gomock.Any(), "= Hello").Return(&compiler.Result{
		Pages:     [][]byte{{1, 2, 3}},
		PageCount: 3,
	}, nil, nil)

	reply := terminal(t, runOne(t, New(mock, nil), "= Hello"))
	if reply.Kind != protocol.KindRendered {
		t.Fatalf("kind = %s, want rendered", reply.Kind)
	}
	if reply.Rendered.PageCount != 3 || len(reply.Rendered.Pages) != 1 {
		t.Fatalf("rendered = %+v", reply.Rendered)
	}
}

func TestServeDiagnosed(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	diags := []render.Diagnostic{{
		Severity: render.SeverityError,
		Origin:   render.OriginCompile,
		Message:  "unknown variable: foo",
		Span:     render.Span{Start: 1, End: 2, Line: 1, Column: 2},
	}}
	mock := mocks.NewMockCompiler(ctrl)
	mock.EXPECT().Compile(gomock.Any(), gomock.Any()).Return(nil, diags, nil)

	reply := terminal(t, runOne(t, New(mock, nil), "#foo"))
	if reply.Kind != protocol.KindDiagnosed {
		t.Fatalf("kind = %s, want diagnosed", reply.Kind)
	}
	if len(reply.Diagnosed.Diagnostics) != 1 || reply.Diagnosed.Diagnostics[0].Message != "unknown variable: foo" {
		t.Fatalf("diagnostics = %+v", reply.Diagnosed.Diagnostics)
	}
}

func TestServeCompilerErrorBecomesFailed(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mock := mocks.NewMockCompiler(ctrl)
	mock.EXPECT().Compile(gomock.Any(), gomock.Any()).Return(nil, nil, errors.New("binary vanished"))

	reply := terminal(t, runOne(t, New(mock, nil), "= Doc"))
	if reply.Kind != protocol.KindFailed {
		t.Fatalf("kind = %s, want failed", reply.Kind)
	}
}

func TestServeRecoversPanic(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mock := mocks.NewMockCompiler(ctrl)
	mock.EXPECT().Compile(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, string) (*compiler.Result, []render.Diagnostic, error) {
			panic("layout engine exploded")
		})

	reply := terminal(t, runOne(t, New(mock, nil), "= Doc"))
	if reply.Kind != protocol.KindFailed {
		t.Fatalf("kind = %s, want failed", reply.Kind)
	}
	if want := "panicked at 'layout engine exploded'"; reply.Failed.Error != want {
		t.Fatalf("error = %q, want %q", reply.Failed.Error, want)
	}
}

type stubResolver struct {
	err   error
	calls []pkgcache.Spec
}

func (s *stubResolver) Ensure(_ context.Context, spec pkgcache.Spec) (string, error) {
	s.calls = append(s.calls, spec)
	if s.err != nil {
		return "", s.err
	}
	return "/cache/" + spec.Name, nil
}

func TestServeResolvesPackagesBeforeCompile(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := `#import "@preview/cetz:0.2.2"` + "\n" + `#import "@preview/tablex:0.0.8"` + "\n= Doc"
	resolver := &stubResolver{}

	mock := mocks.NewMockCompiler(ctrl)
	mock.EXPECT().Compile(gomock.Any(), source).Return(&compiler.Result{Pages: [][]byte{{1}}, PageCount: 1}, nil, nil)

	reply := terminal(t, runOne(t, New(mock, resolver), source))
	if reply.Kind != protocol.KindRendered {
		t.Fatalf("kind = %s, want rendered", reply.Kind)
	}
	if len(resolver.calls) != 2 || resolver.calls[0].Name != "cetz" || resolver.calls[1].Name != "tablex" {
		t.Fatalf("resolved = %+v", resolver.calls)
	}
}

func TestServePackageNotFoundIsDiagnosed(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	spec := pkgcache.Spec{Namespace: "preview", Name: "ghost", Version: "9.9.9"}
	resolver := &stubResolver{err: &registry.NotFoundError{Spec: spec}}

	// The compiler must never run for an unresolvable document.
	mock := mocks.NewMockCompiler(ctrl)

	reply := terminal(t, runOne(t, New(mock, resolver), `#import "@preview/ghost:9.9.9"`))
	if reply.Kind != protocol.KindDiagnosed {
		t.Fatalf("kind = %s, want diagnosed", reply.Kind)
	}
	d := reply.Diagnosed.Diagnostics[0]
	if d.Origin != render.OriginPackage {
		t.Fatalf("origin = %s, want package", d.Origin)
	}
}

func TestServeRegistryUnavailableIsDiagnosed(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	spec := pkgcache.Spec{Namespace: "preview", Name: "cetz", Version: "0.2.2"}
	resolver := &stubResolver{err: &registry.UnavailableError{Spec: spec, Err: fmt.Errorf("connection refused")}}
	mock := mocks.NewMockCompiler(ctrl)

	reply := terminal(t, runOne(t, New(mock, resolver), `#import "@preview/cetz:0.2.2"`))
	if reply.Kind != protocol.KindDiagnosed {
		t.Fatalf("kind = %s, want diagnosed", reply.Kind)
	}
	if reply.Diagnosed.Diagnostics[0].Origin != render.OriginPackage {
		t.Fatalf("origin = %s, want package", reply.Diagnosed.Diagnostics[0].Origin)
	}
}

func TestScanPackageRefs(t *testing.T) {
	source := `
#import "@preview/cetz:0.2.2": canvas
#include "@preview/cetz:0.2.2"
#import "@preview/tablex:0.0.8"
#import "not-a-package.typ"
`
	specs := ScanPackageRefs(source)
	if len(specs) != 2 {
		t.Fatalf("specs = %+v, want 2 entries", specs)
	}
	if specs[0].Name != "cetz" || specs[1].Name != "tablex" {
		t.Fatalf("specs = %+v", specs)
	}
}

func TestServeSequentialRequests(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mock := mocks.NewMockCompiler(ctrl)
	mock.EXPECT().Compile(gomock.Any(), gomock.Any()).Return(&compiler.Result{Pages: [][]byte{{1}}, PageCount: 1}, nil, nil).Times(2)

	var in, out bytes.Buffer
	for i := 0; i < 2; i++ {
		err := protocol.WriteMessage(&in, &protocol.Message{
			Kind:   protocol.KindRender,
			Render: &protocol.Render{RequestID: fmt.Sprintf("req-%d", i), Source: "= Doc"},
		})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
	}

	if err := New(mock, nil).Serve(context.Background(), &in, &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	for i := 0; i < 2; i++ {
		msg, err := protocol.ReadMessage(&out)
		if err != nil {
			t.Fatalf("reply %d: %v", i, err)
		}
		if msg.Kind != protocol.KindRendered {
			t.Fatalf("reply %d kind = %s", i, msg.Kind)
		}
	}
}
