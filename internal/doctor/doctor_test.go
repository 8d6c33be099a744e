package doctor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/typesetd/typesetd/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	dir := t.TempDir()
	cfg.Packages.CacheDir = filepath.Join(dir, "packages")
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	return cfg
}

func TestRunReportsEveryCheck(t *testing.T) {
	checks := Run(testConfig(t))
	if len(checks) != 6 {
		t.Fatalf("checks = %d, want 6", len(checks))
	}
	names := map[string]bool{}
	for _, c := range checks {
		names[c.Name] = true
	}
	for _, want := range []string{"compiler", "worker binary", "package cache", "free space", "registry url", "journal"} {
		if !names[want] {
			t.Errorf("missing check %q", want)
		}
	}
}

func TestCheckCompilerMissing(t *testing.T) {
	c := checkCompiler("definitely-not-a-real-compiler-binary")
	if c.OK {
		t.Fatalf("check passed for missing binary: %+v", c)
	}
}

func TestCheckWorkerExecutable(t *testing.T) {
	dir := t.TempDir()
	workerPath := filepath.Join(dir, "typesetd-worker")
	if err := os.WriteFile(workerPath, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write worker: %v", err)
	}

	if c := checkWorker(workerPath); !c.OK {
		t.Fatalf("executable worker failed check: %+v", c)
	}

	if err := os.Chmod(workerPath, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if c := checkWorker(workerPath); c.OK {
		t.Fatalf("non-executable worker passed check: %+v", c)
	}
}

func TestCheckWritableDirCreates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	c := checkWritableDir("package cache", dir)
	if !c.OK {
		t.Fatalf("check failed: %+v", c)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("directory not created: %v", err)
	}
}

func TestCheckRegistry(t *testing.T) {
	if c := checkRegistry("https://packages.typst.org"); !c.OK {
		t.Errorf("valid URL failed: %+v", c)
	}
	if c := checkRegistry("ftp://mirror.example"); c.OK {
		t.Errorf("ftp URL passed: %+v", c)
	}
	if c := checkRegistry("not a url"); c.OK {
		t.Errorf("garbage URL passed: %+v", c)
	}
}
