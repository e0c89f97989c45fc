// Package storage keeps uploaded recipient sheets.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ObjectStore interface {
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
	Download(ctx context.Context, location string) ([]byte, error)
}

const maxSheetBytes = 64 << 20

// FileStore writes objects under a local directory and returns file:// URLs.
// Download also accepts http(s) URLs for sheets stored elsewhere.
type FileStore struct {
	dir    string
	client *http.Client
}

func NewFileStore(dir string) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{dir: abs, client: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (s *FileStore) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "sheet.csv"
	}
	path := filepath.Join(s.dir, time.Now().UTC().Format("20060102"), uuid.NewString()+"-"+base)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, io.LimitReader(r, maxSheetBytes)); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write %s: %w", base, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(), nil
}

func (s *FileStore) Download(ctx context.Context, location string) ([]byte, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse sheet url: %w", err)
	}
	switch u.Scheme {
	case "file":
		path := filepath.Clean(filepath.FromSlash(u.Path))
		if !strings.HasPrefix(path, s.dir+string(filepath.Separator)) {
			return nil, fmt.Errorf("sheet %s is outside the storage directory", location)
		}
		return os.ReadFile(path)
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("download sheet: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("download sheet: status %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxSheetBytes))
	default:
		return nil, fmt.Errorf("unsupported sheet url scheme %q", u.Scheme)
	}
}
