package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Scratch is a per-operation temporary directory. Close removes it and
// everything beneath; it is safe to call more than once.
type Scratch struct {
	dir string
}

// NewScratch creates a fresh temporary directory.
func NewScratch(pattern string) (*Scratch, error) {
	dir, err := os.MkdirTemp("", pattern)
	if err != nil {
		return nil, fmt.Errorf("storage: create scratch dir: %w", err)
	}
	return &Scratch{dir: dir}, nil
}

// Dir returns the directory path.
func (s *Scratch) Dir() string { return s.dir }

// Path joins name under the scratch directory.
func (s *Scratch) Path(name ...string) string {
	return filepath.Join(append([]string{s.dir}, name...)...)
}

func (s *Scratch) Close() error {
	if s.dir == "" {
		return nil
	}
	err := os.RemoveAll(s.dir)
	s.dir = ""
	return err
}
