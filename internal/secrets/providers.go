package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/subosito/gotenv"
)

// EnvStore reads secrets from the service's own environment, optionally prefixed
// (prefix "ADSYNC_SECRET_" maps ACCESS_TOKEN to ADSYNC_SECRET_ACCESS_TOKEN).
type EnvStore struct {
	prefix string
	lookup func(string) (string, bool)
}

func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{prefix: prefix, lookup: os.LookupEnv}
}

func (s *EnvStore) Get(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, ok := s.lookup(s.prefix + name)
	if !ok || v == "" {
		return "", fmt.Errorf("env %s%s: %w", s.prefix, name, ErrNotFound)
	}
	return v, nil
}

// FileStore reads one secret per file under root (systemd credentials, docker/k8s secrets).
// Trailing newlines are trimmed.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: filepath.Clean(root)}
}

func (s *FileStore) Get(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.pathFor(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("file secret %q: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("read file secret %q: %w", name, err)
	}
	v := strings.TrimRight(string(data), "\r\n")
	if v == "" {
		return "", fmt.Errorf("file secret %q is empty: %w", name, ErrNotFound)
	}
	return v, nil
}

func (s *FileStore) pathFor(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", errors.New("secret name is empty")
	}
	cleaned := filepath.Clean(trimmed)
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") || cleaned == "." {
		return "", fmt.Errorf("invalid secret name %q", name)
	}
	return filepath.Join(s.root, cleaned), nil
}

// DotenvStore reads a .env file on every lookup so rotated values are picked up
// without a restart.
type DotenvStore struct {
	path string
}

func NewDotenvStore(path string) *DotenvStore {
	return &DotenvStore{path: path}
}

func (s *DotenvStore) Get(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("dotenv %s: %w", s.path, ErrNotFound)
		}
		return "", fmt.Errorf("open dotenv: %w", err)
	}
	defer f.Close()

	env, err := gotenv.StrictParse(f)
	if err != nil {
		return "", fmt.Errorf("parse dotenv %s: %w", s.path, err)
	}
	v, ok := env[name]
	if !ok || v == "" {
		return "", fmt.Errorf("dotenv %s: %w", name, ErrNotFound)
	}
	return v, nil
}

// Chain asks each store in order; the first hit wins. Context errors stop the walk.
type Chain struct {
	stores []Store
}

func NewChain(stores ...Store) *Chain {
	return &Chain{stores: stores}
}

func (c *Chain) Get(ctx context.Context, name string) (string, error) {
	var errs []error
	for _, st := range c.stores {
		v, err := st.Get(ctx, name)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("secret %q: %w", name, ErrNotFound)
	}
	return "", errors.Join(errs...)
}
