// Package compiler wraps the typesetting compiler the worker executes
// documents against.
package compiler

import (
	"context"

	"github.com/typesetd/typesetd/internal/render"
)

//go:generate mockgen -destination=mocks/mock_compiler.go -package=mocks github.com/typesetd/typesetd/internal/compiler Compiler

// Result is a successful compilation: one PNG per page up to the page cap,
// plus the document's total page count and any warnings.
type Result struct {
	Pages     [][]byte
	PageCount int
	Warnings  []render.Diagnostic
}

// Compiler compiles one document. The three-way return mirrors the outcome
// taxonomy:
//   - (result, nil, nil): the document compiled; warnings ride on result.
//   - (nil, diagnostics, nil): the document failed to compile; diagnostics
//     are user-facing and ordered.
//   - (nil, nil, err): the compiler itself failed (missing binary, I/O
//     error); not the user's fault.
type Compiler interface {
	Compile(ctx context.Context, source string) (*Result, []render.Diagnostic, error)
}
