// Package secrets resolves named secrets for a run without ever logging them.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"adsync/internal/config"
)

// ErrNotFound is returned when no provider knows a secret.
var ErrNotFound = errors.New("secret not found")

type Store interface {
	Get(ctx context.Context, name string) (string, error)
}

// Open builds the provider chain described by cfg, in order.
func Open(cfg config.SecretsConfig) (Store, error) {
	if len(cfg.Providers) == 0 {
		return NewEnvStore(""), nil
	}
	stores := make([]Store, 0, len(cfg.Providers))
	for i, p := range cfg.Providers {
		switch strings.ToLower(strings.TrimSpace(p.Type)) {
		case "env":
			stores = append(stores, NewEnvStore(p.Prefix))
		case "file":
			stores = append(stores, NewFileStore(p.Dir))
		case "dotenv":
			stores = append(stores, NewDotenvStore(p.Path))
		default:
			return nil, fmt.Errorf("secrets.providers[%d]: unknown type %q", i, p.Type)
		}
	}
	if len(stores) == 1 {
		return stores[0], nil
	}
	return NewChain(stores...), nil
}

// Resolve fetches every secret in names (variable name -> secret name) and
// returns variable name -> value. Missing secrets are reported together.
func Resolve(ctx context.Context, st Store, names map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	var missing []string
	for envName, secretName := range names {
		v, err := st.Get(ctx, secretName)
		switch {
		case err == nil:
			out[envName] = v
		case errors.Is(err, ErrNotFound):
			missing = append(missing, secretName)
		default:
			return nil, fmt.Errorf("secret %q: %w", secretName, err)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, strings.Join(missing, ", "))
	}
	return out, nil
}
