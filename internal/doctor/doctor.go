// Package doctor checks the environment a daemon would start into: the
// compiler and worker binaries, the package cache, and the journal location.
package doctor

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/typesetd/typesetd/internal/config"
	"github.com/typesetd/typesetd/internal/storage"
)

// minFreeBytes is the least disk space the cache needs before a start is
// considered healthy.
const minFreeBytes = 64 << 20

// Check is the outcome of one environment probe.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// Run probes the environment described by cfg and reports every check, pass
// or fail.
func Run(cfg *config.Config) []Check {
	return []Check{
		checkCompiler(cfg.Compiler.Path),
		checkWorker(cfg.Pool.WorkerPath),
		checkWritableDir("package cache", cfg.Packages.CacheDir),
		checkFreeSpace(cfg.Packages.CacheDir),
		checkRegistry(cfg.Packages.RegistryURL),
		checkJournal(cfg.Journal.Path),
	}
}

func checkCompiler(path string) Check {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return Check{Name: "compiler", Detail: fmt.Sprintf("%q not found in PATH", path)}
	}
	return Check{Name: "compiler", OK: true, Detail: resolved}
}

func checkWorker(configured string) Check {
	path := configured
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return Check{Name: "worker binary", Detail: fmt.Sprintf("locate daemon executable: %v", err)}
		}
		path = filepath.Join(filepath.Dir(exe), "typesetd-worker")
	}

	info, err := os.Stat(path)
	if err != nil {
		return Check{Name: "worker binary", Detail: fmt.Sprintf("%s: %v", path, err)}
	}
	if info.Mode()&0o111 == 0 {
		return Check{Name: "worker binary", Detail: fmt.Sprintf("%s is not executable", path)}
	}
	return Check{Name: "worker binary", OK: true, Detail: path}
}

func checkWritableDir(name, dir string) Check {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Check{Name: name, Detail: fmt.Sprintf("create %s: %v", dir, err)}
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return Check{Name: name, Detail: fmt.Sprintf("%s is not writable: %v", dir, err)}
	}
	probe.Close()
	os.Remove(probe.Name())
	return Check{Name: name, OK: true, Detail: dir}
}

func checkFreeSpace(dir string) Check {
	free, err := storage.FreeBytes(dir)
	if errors.Is(err, storage.ErrFreeSpaceUnsupported) {
		return Check{Name: "free space", OK: true, Detail: "not supported on this platform"}
	}
	if err != nil {
		return Check{Name: "free space", Detail: err.Error()}
	}
	if free < minFreeBytes {
		return Check{Name: "free space", Detail: fmt.Sprintf("%d MiB free, need at least %d MiB", free>>20, minFreeBytes>>20)}
	}
	return Check{Name: "free space", OK: true, Detail: fmt.Sprintf("%d MiB free", free>>20)}
}

func checkRegistry(rawURL string) Check {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Check{Name: "registry url", Detail: fmt.Sprintf("%q is not an http(s) URL", rawURL)}
	}
	return Check{Name: "registry url", OK: true, Detail: rawURL}
}

func checkJournal(path string) Check {
	if err := storage.ValidateLocalFilesystem(path); err != nil {
		return Check{Name: "journal", Detail: err.Error()}
	}
	return Check{Name: "journal", OK: true, Detail: path}
}
