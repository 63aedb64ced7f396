package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kirillkom/medscribe/internal/core/ports"
)

// DownloadRoute is where the API serves signed local downloads.
const DownloadRoute = "/v1/audio/"

type Storage struct {
	basePath  string
	publicURL string
	signer    ports.TokenSigner
}

func New(basePath, publicURL string, signer ports.TokenSigner) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/audio"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{
		basePath:  basePath,
		publicURL: strings.TrimRight(publicURL, "/"),
		signer:    signer,
	}, nil
}

func (s *Storage) Save(_ context.Context, key string, data io.Reader, _ int64, _ string) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	f, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, data); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

func (s *Storage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

func (s *Storage) Delete(_ context.Context, key string) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// URL returns a signed link to the API download route.
func (s *Storage) URL(_ context.Context, key string) (string, error) {
	if s.publicURL == "" {
		return "", fmt.Errorf("storage public url is not configured")
	}
	if _, err := s.resolve(key); err != nil {
		return "", err
	}
	escaped := make([]string, 0)
	for _, part := range strings.Split(key, "/") {
		escaped = append(escaped, url.PathEscape(part))
	}
	link := s.publicURL + DownloadRoute + strings.Join(escaped, "/")
	if s.signer != nil {
		link += "?token=" + url.QueryEscape(s.signer.Sign(key))
	}
	return link, nil
}

// VerifyDownload checks a token produced by URL.
func (s *Storage) VerifyDownload(key, token string) bool {
	if s.signer == nil {
		return false
	}
	return s.signer.Verify(key, token)
}

func (s *Storage) resolve(key string) (string, error) {
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("invalid storage key %q", key)
		}
	}
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(s.basePath, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}
