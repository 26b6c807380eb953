package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sorryhyun/DiPeO-sub011/common/config"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
)

// FileStore mediates all diagram-driven file access. Every path is
// confined to the configured base directory and checked against the
// extension allowlist; a diagram can never read or write outside it.
type FileStore struct {
	cfg config.FileConfig
	log *logger.Logger
}

// NewFileStore creates a file store
func NewFileStore(cfg config.FileConfig, log *logger.Logger) *FileStore {
	return &FileStore{cfg: cfg, log: log}
}

// resolve turns a diagram-supplied path into a confined absolute path
func (f *FileStore) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty file path")
	}
	base, err := filepath.Abs(f.cfg.BaseDir)
	if err != nil {
		return "", err
	}
	full := filepath.Clean(filepath.Join(base, rel))
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the file store base directory", rel)
	}
	return full, nil
}

func (f *FileStore) allowed(path string) bool {
	if len(f.cfg.AllowedExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	for _, allowed := range f.cfg.AllowedExtensions {
		if ext == strings.ToLower(strings.TrimPrefix(allowed, ".")) {
			return true
		}
	}
	return false
}

// Read loads a file relative to the base directory
func (f *FileStore) Read(rel string) ([]byte, error) {
	full, err := f.resolve(rel)
	if err != nil {
		return nil, err
	}
	if !f.allowed(full) {
		return nil, fmt.Errorf("file extension of %q is not allowed", rel)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return data, nil
}

// WriteResult writes an execution artifact under the result directory
// and returns the relative path it landed at
func (f *FileStore) WriteResult(name string, data []byte) (string, error) {
	rel := filepath.Join(f.cfg.ResultDir, filepath.Base(name))
	full, err := f.resolve(rel)
	if err != nil {
		return "", err
	}
	if !f.allowed(full) {
		return "", fmt.Errorf("file extension of %q is not allowed", name)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", rel, err)
	}
	f.log.Debug("result written", "path", rel, "bytes", len(data))
	return rel, nil
}

// ReadDiagram loads a stored diagram by name from the diagram directory,
// appending .json when the name has no extension
func (f *FileStore) ReadDiagram(name string) ([]byte, error) {
	if filepath.Ext(name) == "" {
		name += ".json"
	}
	return f.Read(filepath.Join(f.cfg.DiagramDir, filepath.Base(name)))
}
