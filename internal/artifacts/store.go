// SPDX-License-Identifier: Apache-2.0

// Package artifacts resolves template sources and conversion outputs below a
// single root directory. File access goes through an os.Root, so neither
// ".." nor a symlink can reach outside it.
package artifacts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
)

var ErrOutsideRoot = errors.New("path escapes artifact root")

type Store struct {
	dir  string
	root *os.Root
}

// New opens dir as the artifact root, creating it when missing.
func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("open artifact root: %w", err)
	}
	return &Store{dir: abs, root: root}, nil
}

func (s *Store) Close() error {
	return s.root.Close()
}

func (s *Store) Root() string {
	return s.dir
}

// Resolve maps a slash-separated relative path to an absolute path below the
// root, for tools that run outside this process. Traversal is clamped to the
// root; an existing path that leaves it through a symlink is rejected.
func (s *Store) Resolve(rel string) (string, error) {
	name, err := s.name(rel)
	if err != nil {
		return "", err
	}
	if _, err := s.root.Stat(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", s.rootErr(rel, err)
	}
	return filepath.Join(s.dir, name), nil
}

// Exists reports whether rel names a regular file below the root.
func (s *Store) Exists(rel string) bool {
	name, err := s.name(rel)
	if err != nil {
		return false
	}
	info, err := s.root.Stat(name)
	return err == nil && info.Mode().IsRegular()
}

func (s *Store) Open(rel string) (*os.File, fs.FileInfo, error) {
	name, err := s.name(rel)
	if err != nil {
		return nil, nil, err
	}
	f, err := s.root.Open(name)
	if err != nil {
		return nil, nil, s.rootErr(rel, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, fs.ErrNotExist
	}
	return f, info, nil
}

func (s *Store) ReadFile(rel string) ([]byte, error) {
	name, err := s.name(rel)
	if err != nil {
		return nil, err
	}
	body, err := s.root.ReadFile(name)
	if err != nil {
		return nil, s.rootErr(rel, err)
	}
	return body, nil
}

// WriteFile writes body to rel, creating parent directories.
func (s *Store) WriteFile(rel string, body []byte) error {
	name, err := s.name(rel)
	if err != nil {
		return err
	}
	if err := s.root.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return s.rootErr(rel, err)
	}
	if err := s.root.WriteFile(name, body, 0o644); err != nil {
		return s.rootErr(rel, err)
	}
	return nil
}

// EnsureDir creates the parent directory of rel and returns its absolute
// path.
func (s *Store) EnsureDir(rel string) (string, error) {
	name, err := s.name(rel)
	if err != nil {
		return "", err
	}
	if err := s.root.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		if outside := s.rootErr(rel, err); errors.Is(outside, ErrOutsideRoot) {
			return "", outside
		}
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	return s.Resolve(rel)
}

// name cleans rel into a root-relative OS path. ".." segments stop at the
// root.
func (s *Store) name(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrOutsideRoot)
	}
	clean := path.Clean("/" + filepath.ToSlash(rel))
	if clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	return filepath.FromSlash(strings.TrimPrefix(clean, "/")), nil
}

// rootErr tags the os.Root refusal to leave the root with ErrOutsideRoot.
// Other errors pass through unchanged.
func (s *Store) rootErr(rel string, err error) error {
	var pe *fs.PathError
	if !errors.As(err, &pe) {
		return err
	}
	var errno syscall.Errno
	if errors.As(pe.Err, &errno) {
		if errno != syscall.EXDEV {
			return err
		}
	} else if errors.Is(pe.Err, fs.ErrNotExist) || errors.Is(pe.Err, fs.ErrPermission) {
		return err
	}
	return fmt.Errorf("%w: %q: %v", ErrOutsideRoot, rel, pe.Err)
}

// OutputPath derives the converted file path for a source, swapping its
// extension for format.
func OutputPath(source, format string) string {
	format = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
	if format == "" {
		format = "docx"
	}
	base := strings.TrimSuffix(source, path.Ext(source))
	return "converted/" + strings.TrimPrefix(base, "/") + "." + format
}
