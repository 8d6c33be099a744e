// Package registry fetches typesetting packages from the single configured
// registry endpoint. It is the only network path a worker is allowed to use.
package registry

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/typesetd/typesetd/internal/log"
	"github.com/typesetd/typesetd/internal/pkgcache"
	"github.com/typesetd/typesetd/internal/storage"
)

const (
	// maxArchiveBytes caps a single decompressed package; registry archives
	// are small, this guards against decompression bombs in a compromised
	// mirror.
	maxArchiveBytes = 256 << 20

	// minFreeBytes refuses downloads when the cache volume is nearly full,
	// so a half-written archive can't wedge the worker.
	minFreeBytes = 64 << 20
)

// NotFoundError means the registry has no such package version. This is a
// user-facing diagnostic, not an operational failure.
type NotFoundError struct {
	Spec pkgcache.Spec
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("package %s not found in registry", e.Spec)
}

// UnavailableError means the registry could not be reached or answered with
// a server error; retryable from the caller's point of view.
type UnavailableError struct {
	Spec pkgcache.Spec
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("registry unavailable while fetching %s: %v", e.Spec, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// MalformedError means the downloaded archive could not be unpacked.
type MalformedError struct {
	Spec pkgcache.Spec
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed archive for %s: %v", e.Spec, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Client downloads packages into a Cache. All requests go to the one
// registry base URL; the transport refuses to dial anything else.
type Client struct {
	base     *url.URL
	http     *http.Client
	cache    *pkgcache.Cache
	logger   *slog.Logger
	progress func(string)
}

// New creates a Client for baseURL (e.g. "https://packages.typst.org").
// progress, if non-nil, is invoked with a human-readable line when a
// download starts.
func New(baseURL string, cache *pkgcache.Cache, progress func(string)) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse registry url %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("registry url %q: scheme must be http or https", baseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("registry url %q: missing host", baseURL)
	}
	if progress == nil {
		progress = func(string) {}
	}

	return &Client{
		base:     base,
		http:     restrictedClient(base),
		cache:    cache,
		logger:   log.WithComponent("registry"),
		progress: progress,
	}, nil
}

// restrictedClient builds an HTTP client whose dialer only accepts the
// registry's own host. Redirects to other hosts are refused for the same
// reason: the worker has exactly one permitted network destination.
func restrictedClient(base *url.URL) *http.Client {
	allowed := base.Hostname()
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			if !strings.EqualFold(host, allowed) {
				return nil, fmt.Errorf("dial %q refused: only %q is permitted", host, allowed)
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}

	return &http.Client{
		Transport: transport,
		Timeout:   2 * time.Minute,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if !strings.EqualFold(req.URL.Hostname(), allowed) {
				return fmt.Errorf("redirect to %q refused", req.URL.Hostname())
			}
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
}

// Ensure makes spec available in the cache and returns its directory. Cached
// entries are returned without touching the network; a download is attempted
// once and retried once on failure, matching the registry's flaky-CDN
// reality.
func (c *Client) Ensure(ctx context.Context, spec pkgcache.Spec) (string, error) {
	if dir, ok := c.cache.Get(spec); ok {
		return dir, nil
	}

	if free, err := storage.FreeBytes(c.cache.Root()); err == nil && free < minFreeBytes {
		return "", &UnavailableError{Spec: spec, Err: fmt.Errorf("cache volume has only %d bytes free", free)}
	}

	c.logger.Info("downloading package", "package", spec.String())
	c.progress(fmt.Sprintf("downloading %s", spec))

	dir, err := c.cache.Put(spec, func(dir string) error {
		err := c.download(ctx, spec, dir)
		if err == nil || ctx.Err() != nil {
			return err
		}
		// One retry on any failure except cancellation. A failed unpack may
		// have left partial files in the staging directory; start the retry
		// from an empty one so the published entry holds only the archive
		// that unpacked cleanly.
		if rerr := clearDir(dir); rerr != nil {
			return rerr
		}
		return c.download(ctx, spec, dir)
	})
	if err != nil {
		return "", err
	}
	return dir, nil
}

// clearDir removes everything inside dir but keeps dir itself, which the
// cache owns.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reset staging dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("reset staging dir: %w", err)
		}
	}
	return nil
}

func (c *Client) download(ctx context.Context, spec pkgcache.Spec, dir string) error {
	u := c.base.JoinPath(spec.Namespace, fmt.Sprintf("%s-%s.tar.gz", spec.Name, spec.Version))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &UnavailableError{Spec: spec, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &UnavailableError{Spec: spec, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Spec: spec}
	case resp.StatusCode/100 != 2:
		return &UnavailableError{Spec: spec, Err: fmt.Errorf("registry returned status %d", resp.StatusCode)}
	}

	if err := unpack(resp.Body, dir); err != nil {
		return &MalformedError{Spec: spec, Err: err}
	}
	return nil
}

// unpack extracts a gzipped tarball into dir, refusing entries that would
// escape it.
func unpack(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(io.LimitReader(gz, maxArchiveBytes))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}

		target, err := securePath(dir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("mkdir parent of %s: %w", hdr.Name, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return fmt.Errorf("create %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close %s: %w", hdr.Name, err)
			}
		default:
			// Symlinks and specials are dropped; packages are plain trees.
		}
	}
}

func securePath(dir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("archive entry %q escapes package directory", name)
	}
	return filepath.Join(dir, cleaned), nil
}
