// SPDX-License-Identifier: Apache-2.0

package artifacts

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestResolveRejectsEscapes(t *testing.T) {
	s := newTestStore(t)

	for _, rel := range []string{"", "/", "  "} {
		if _, err := s.Resolve(rel); !errors.Is(err, ErrOutsideRoot) {
			t.Fatalf("Resolve(%q): expected ErrOutsideRoot got %v", rel, err)
		}
	}

	full, err := s.Resolve("../../etc/passwd")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if want := filepath.Join(s.Root(), "etc", "passwd"); full != want {
		t.Fatalf("expected traversal to be clamped to %s got %s", want, full)
	}
}

func TestExistsAndOpen(t *testing.T) {
	s := newTestStore(t)

	full, err := s.EnsureDir("converted/nda.pdf")
	if err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	if err := os.WriteFile(full, []byte("pdf"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if !s.Exists("converted/nda.pdf") {
		t.Fatal("expected file to exist")
	}
	if s.Exists("converted") {
		t.Fatal("expected directory not to count as artifact")
	}
	if s.Exists("converted/missing.pdf") {
		t.Fatal("expected missing file to be absent")
	}

	f, info, err := s.Open("converted/nda.pdf")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	body, _ := io.ReadAll(f)
	if string(body) != "pdf" || info.Size() != 3 {
		t.Fatalf("unexpected content %q size %d", body, info.Size())
	}

	if _, _, err := s.Open("converted"); err == nil {
		t.Fatal("expected directory open to fail")
	}
}

func TestSymlinkOutOfRootIsRefused(t *testing.T) {
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("outside-root"), 0o644); err != nil {
		t.Fatalf("write outside: %v", err)
	}
	s := newTestStore(t)
	if err := os.Symlink(outside, filepath.Join(s.Root(), "converted")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	f, _, err := s.Open("converted/secret.txt")
	if err == nil {
		body, _ := io.ReadAll(f)
		f.Close()
		t.Fatalf("expected symlinked file outside the root to be refused, read %q", body)
	}
	if !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected ErrOutsideRoot got %v", err)
	}

	if s.Exists("converted/secret.txt") {
		t.Fatal("expected file behind escaping symlink not to exist")
	}
	if _, err := s.ReadFile("converted/secret.txt"); err == nil {
		t.Fatal("expected read through escaping symlink to fail")
	}
	if err := s.WriteFile("converted/planted.txt", []byte("x")); err == nil {
		t.Fatal("expected write through escaping symlink to fail")
	}
	if _, err := os.Stat(filepath.Join(outside, "planted.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected nothing written outside the root, stat err %v", err)
	}
	if _, err := s.Resolve("converted/secret.txt"); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected Resolve to refuse the symlink, got %v", err)
	}
}

func TestSymlinkInsideRootIsFollowed(t *testing.T) {
	s := newTestStore(t)
	if err := s.WriteFile("sources/nda.docx", []byte("docx")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink("sources", filepath.Join(s.Root(), "latest")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	body, err := s.ReadFile("latest/nda.docx")
	if err != nil {
		t.Fatalf("read through inner symlink: %v", err)
	}
	if string(body) != "docx" {
		t.Fatalf("expected docx got %q", body)
	}
}

func TestOutputPath(t *testing.T) {
	cases := map[string]struct {
		source, format, want string
	}{
		"default format":  {source: "sources/nda.doc", want: "converted/sources/nda.docx"},
		"explicit format": {source: "/sources/nda.docx", format: ".PDF", want: "converted/sources/nda.pdf"},
		"no extension":    {source: "msa", format: "pdf", want: "converted/msa.pdf"},
	}

	for name, tc := range cases {
		if got := OutputPath(tc.source, tc.format); got != tc.want {
			t.Fatalf("%s: expected %s got %s", name, tc.want, got)
		}
	}
}
