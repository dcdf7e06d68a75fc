// Package fetcher downloads remote extracts (HTTP, FTP) and reads the raw
// tables inside them (CSV, XLSX, ZIP members).
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// Options configures a Router.
type Options struct {
	TempDir string
	HTTP    HTTPOptions
	FTP     FTPOptions
}

// Router dispatches downloads by URL scheme and stages them in TempDir.
type Router struct {
	tempDir string
	http    Fetcher
	ftp     Fetcher
}

// NewRouter builds a Router with an HTTP and an FTP fetcher.
func NewRouter(opts Options) *Router {
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &Router{
		tempDir: opts.TempDir,
		http:    NewHTTPFetcher(opts.HTTP),
		ftp:     NewFTPFetcher(opts.FTP),
	}
}

// TempDir is where downloads and extracted archives are staged.
func (r *Router) TempDir() string {
	return r.tempDir
}

func (r *Router) fetcherFor(rawURL string) (Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %q", rawURL)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return r.http, nil
	case "ftp":
		return r.ftp, nil
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
}

// Download implements Fetcher.
func (r *Router) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	f, err := r.fetcherFor(rawURL)
	if err != nil {
		return nil, err
	}
	return f.Download(ctx, rawURL)
}

// DownloadToFile implements Fetcher.
func (r *Router) DownloadToFile(ctx context.Context, rawURL, dest string) (int64, error) {
	f, err := r.fetcherFor(rawURL)
	if err != nil {
		return 0, err
	}
	return f.DownloadToFile(ctx, rawURL, dest)
}

// Stage downloads rawURL into the temp dir and returns the local path. The
// file keeps the last element of the URL path as its name.
func (r *Router) Stage(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: parse url %q", rawURL)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		name = "download"
	}
	if err := os.MkdirAll(r.tempDir, 0o755); err != nil {
		return "", eris.Wrap(err, "fetcher: create temp dir")
	}
	dest := filepath.Join(r.tempDir, name)

	n, err := r.DownloadToFile(ctx, rawURL, dest)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: stage %s", rawURL)
	}
	zap.L().With(zap.String("component", "fetcher")).Info("extract staged",
		zap.String("url", rawURL),
		zap.String("path", dest),
		zap.Int64("bytes", n),
	)
	return dest, nil
}
