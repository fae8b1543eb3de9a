// Package credentials resolves per-network secrets at connect time.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrNotFound     = errors.New("credentials: secret not found")
	ErrInvalidKey   = errors.New("credentials: invalid secret key")
	errNilPrimary   = errors.New("credentials: primary store is nil")
	errNilSecondary = errors.New("credentials: fallback store is nil")
)

// Store looks up one secret by key, e.g. "libera/password".
type Store interface {
	Get(ctx context.Context, key string) (string, error)
}

// EnvStore reads secrets from environment variables. Key "libera/password"
// with prefix "IRCMUX_SECRET" maps to IRCMUX_SECRET_LIBERA_PASSWORD.
type EnvStore struct {
	Prefix string
	lookup func(string) (string, bool)
}

func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{Prefix: prefix, lookup: os.LookupEnv}
}

// VarName returns the environment variable consulted for key.
func (s *EnvStore) VarName(key string) string {
	var b strings.Builder
	if s.Prefix != "" {
		b.WriteString(strings.ToUpper(s.Prefix))
		b.WriteByte('_')
	}
	for _, r := range strings.ToUpper(strings.TrimSpace(key)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (s *EnvStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(key) == "" {
		return "", ErrInvalidKey
	}
	name := s.VarName(key)
	value, ok := s.lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: env %s", ErrNotFound, name)
	}
	return value, nil
}

const (
	storeDirMode   = 0o700
	secretFileMode = 0o600
)

// FileStore keeps one secret per file under a root directory.
type FileStore struct {
	root string
	mu   sync.RWMutex
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: filepath.Clean(root)}
}

func (s *FileStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.pathForKey(key)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: file %q", ErrNotFound, key)
		}
		return "", fmt.Errorf("credentials: read file secret %q: %w", key, err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// Put writes a secret with owner-only permissions.
func (s *FileStore) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.pathForKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), storeDirMode); err != nil {
		return fmt.Errorf("credentials: create secret directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(value), secretFileMode); err != nil {
		return fmt.Errorf("credentials: write file secret %q: %w", key, err)
	}
	return nil
}

func (s *FileStore) pathForKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", ErrInvalidKey
	}
	cleaned := filepath.Clean(trimmed)
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") || cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.root, cleaned), nil
}

// Chain consults primary first and falls back on any error other than a
// context error.
type Chain struct {
	primary  Store
	fallback Store
}

func NewChain(primary, fallback Store) (*Chain, error) {
	if primary == nil {
		return nil, errNilPrimary
	}
	if fallback == nil {
		return nil, errNilSecondary
	}
	return &Chain{primary: primary, fallback: fallback}, nil
}

func (c *Chain) Get(ctx context.Context, key string) (string, error) {
	value, err := c.primary.Get(ctx, key)
	if err == nil {
		return value, nil
	}
	if shouldSkipFallback(err) {
		return "", err
	}
	fallbackValue, fallbackErr := c.fallback.Get(ctx, key)
	if fallbackErr == nil {
		return fallbackValue, nil
	}
	return "", fmt.Errorf("primary store get failed: %w; fallback store get failed: %w", err, fallbackErr)
}

func shouldSkipFallback(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// None is a Store that holds no secrets.
type None struct{}

func (None) Get(ctx context.Context, key string) (string, error) {
	return "", fmt.Errorf("%w: %q", ErrNotFound, key)
}
