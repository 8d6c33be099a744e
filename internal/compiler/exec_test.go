package compiler

import (
	"slices"
	"testing"

	"github.com/typesetd/typesetd/internal/pkgcache"
)

func TestCompileArgsWithoutCache(t *testing.T) {
	e := NewExec("typst", "", nil, 10)

	args := e.compileArgs("/work", "/work/main.typ", "/work/page-{p}.png")
	if slices.Contains(args, "--package-cache-path") {
		t.Fatalf("args %v name a package cache that does not exist", args)
	}
	if args[len(args)-2] != "/work/main.typ" || args[len(args)-1] != "/work/page-{p}.png" {
		t.Fatalf("args %v must end with input and output", args)
	}
}

func TestCompileArgsWithCache(t *testing.T) {
	cache, err := pkgcache.Open(t.TempDir())
	if err != nil {
		t.Fatalf("pkgcache.Open: %v", err)
	}
	e := NewExec("typst", "", cache, 10)

	args := e.compileArgs("/work", "/work/main.typ", "/work/page-{p}.png")
	i := slices.Index(args, "--package-cache-path")
	if i < 0 || i+1 >= len(args) || args[i+1] != cache.Root() {
		t.Fatalf("args %v missing cache path %q", args, cache.Root())
	}
}
