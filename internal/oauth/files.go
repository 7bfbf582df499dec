package oauth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrEmptyToken = errors.New("oauth: empty token")

// FileTokenLoader reads a token from disk and remembers the last value.
type FileTokenLoader struct {
	path   string
	mu     sync.Mutex
	cached string
}

func NewFileTokenLoader(path string) *FileTokenLoader {
	return &FileTokenLoader{path: path}
}

func (l *FileTokenLoader) Path() string { return l.path }

// Load reads the trimmed token. The boolean reports whether it differs
// from the previous Load.
func (l *FileTokenLoader) Load() (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return "", false, err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		l.cached = ""
		return "", false, ErrEmptyToken
	}
	if token == l.cached {
		return l.cached, false, nil
	}
	l.cached = token
	return token, true, nil
}

var placeholders = []string{"changeme", "change-me", "replace-me", "xxx", "todo", "your-", "<"}

// IsPlaceholder reports whether s is empty or looks like a value copied
// from an example config.
func IsPlaceholder(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return true
	}
	for _, p := range placeholders {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	return false
}

func writeTokenFile(path, token string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("oauth: token file path is empty")
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("oauth: open token file: %w", err)
	}
	defer f.Close()

	if err := f.Chmod(0o600); err != nil {
		return fmt.Errorf("oauth: chmod token file: %w", err)
	}
	if _, err := f.WriteString(token + "\n"); err != nil {
		return fmt.Errorf("oauth: write token file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("oauth: sync token file: %w", err)
	}
	return nil
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Chmod(path, mode)
}
