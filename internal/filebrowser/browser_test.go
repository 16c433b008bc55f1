package filebrowser

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestBrowser() *Browser {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestList_DefaultsToRootAndFiltersHidden(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"visible.go", ".hidden"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	b := newTestBrowser()
	result, err := b.List(root, "", false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(result.Entries) != 1 || result.Entries[0].Name != "visible.go" {
		t.Fatalf("Entries = %+v, want only visible.go", result.Entries)
	}

	result, err = b.List(root, "", true)
	if err != nil {
		t.Fatalf("List with hidden: %v", err)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("Entries = %+v, want 2 with hidden included", result.Entries)
	}
}

func TestList_RejectsDirOutsideRoot(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()

	b := newTestBrowser()
	if _, err := b.List(root, other, false); err == nil {
		t.Fatal("expected an error for a dir outside root")
	}
}

func TestView_ReturnsTextContentWithLanguage(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "main.go")
	if err := os.WriteFile(path, []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	b := newTestBrowser()
	view, err := b.View(root, path)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.Type != "text" || view.Language != "go" {
		t.Fatalf("view = %+v, want type=text language=go", view)
	}
}

func TestView_RejectsPathOutsideRoot(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	path := filepath.Join(other, "secret.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	b := newTestBrowser()
	if _, err := b.View(root, path); err == nil {
		t.Fatal("expected an error for a path outside root")
	}
}

func TestIsBinary_DetectsNullBytes(t *testing.T) {
	if isBinary([]byte("plain text")) {
		t.Fatal("plain text misclassified as binary")
	}
	if !isBinary([]byte("abc\x00def")) {
		t.Fatal("null-byte content not classified as binary")
	}
}
