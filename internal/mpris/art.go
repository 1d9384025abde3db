package mpris

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/linkfrg/lst/internal/store"
)

const artTimeout = 10 * time.Second

// DefaultArtDir returns $XDG_CACHE_HOME/lst/art_url.
func DefaultArtDir() (string, error) {
	dir, err := store.CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "art_url"), nil
}

// ArtCache keeps local copies of album art so renderers only deal with
// files.
type ArtCache struct {
	dir    string
	client *http.Client
}

// NewArtCache caches into dir. A nil client uses http.DefaultClient.
func NewArtCache(dir string, client *http.Client) *ArtCache {
	if client == nil {
		client = http.DefaultClient
	}
	return &ArtCache{dir: dir, client: client}
}

// Fetch returns the local path of the art at rawURL, copying file:// URLs
// and downloading http(s):// ones. An already cached file is reused.
func (c *ArtCache) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse art url: %w", err)
	}

	var name string
	switch u.Scheme {
	case "file":
		name = filepath.Base(u.Path)
	case "http", "https":
		name = path.Base(u.Path)
	default:
		return "", fmt.Errorf("unsupported art url scheme %q", u.Scheme)
	}
	if name == "" || name == "." || name == "/" || strings.HasPrefix(name, "..") {
		return "", fmt.Errorf("art url %q has no file name", rawURL)
	}

	dst := filepath.Join(c.dir, name)
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}
	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return "", err
	}

	if u.Scheme == "file" {
		src, err := os.Open(u.Path)
		if err != nil {
			return "", err
		}
		defer src.Close()
		return dst, writeFile(dst, src)
	}

	ctx, cancel := context.WithTimeout(ctx, artTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download art: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download art: %s", resp.Status)
	}
	return dst, writeFile(dst, resp.Body)
}

// writeFile writes through a temp file so a failed copy never leaves a
// partial file behind to be reused.
func writeFile(dst string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".art-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
