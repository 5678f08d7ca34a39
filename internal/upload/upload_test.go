package upload

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eventmarket/messaging/internal/model"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func TestLocalStoreSave(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir, "http://chat.local/uploads/", 1<<20)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	a, err := s.Save(context.Background(), "photos/menu.PNG", bytes.NewReader(pngHeader))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if a.Name != "menu.PNG" {
		t.Errorf("Name = %q, want menu.PNG", a.Name)
	}
	if a.Type != "image/png" {
		t.Errorf("Type = %q, want image/png", a.Type)
	}
	if a.Size != int64(len(pngHeader)) {
		t.Errorf("Size = %d, want %d", a.Size, len(pngHeader))
	}
	if !strings.HasPrefix(a.URL, "http://chat.local/uploads/"+a.ID) || !strings.HasSuffix(a.URL, ".png") {
		t.Errorf("URL = %q", a.URL)
	}

	stored, err := os.ReadFile(filepath.Join(dir, a.ID+".png"))
	if err != nil {
		t.Fatalf("reading stored file: %v", err)
	}
	if !bytes.Equal(stored, pngHeader) {
		t.Error("stored bytes differ from upload")
	}
}

func TestLocalStoreExtensionFromContent(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), "/uploads", 1<<20)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	a, err := s.Save(context.Background(), "noext", bytes.NewReader(pngHeader))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasSuffix(a.URL, ".png") {
		t.Errorf("URL = %q, want detected .png extension", a.URL)
	}
}

func TestLocalStoreRejectsLargeFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir, "/uploads", 16)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	_, err = s.Save(context.Background(), "big.txt", strings.NewReader(strings.Repeat("x", 17)))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Save = %v, want ErrTooLarge", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("oversized upload left %d files behind", len(entries))
	}

	if _, err := s.Save(context.Background(), "ok.txt", strings.NewReader(strings.Repeat("x", 16))); err != nil {
		t.Errorf("Save at exact limit: %v", err)
	}
}

func TestLocalStoreIgnoresClientExtension(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir, "/uploads", 1<<20)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	page := []byte("<!DOCTYPE html><html><body><script>alert(1)</script></body></html>")
	a, err := s.Save(context.Background(), "menu.png", bytes.NewReader(page))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if strings.HasSuffix(a.URL, ".png") {
		t.Errorf("URL = %q kept the client extension for HTML content", a.URL)
	}
	if a.Type != "text/html; charset=utf-8" {
		t.Errorf("Type = %q, want sniffed text/html", a.Type)
	}
	if a.Name != "menu.png" {
		t.Errorf("Name = %q, want menu.png", a.Name)
	}

	img, err := s.Save(context.Background(), "invoice.html", bytes.NewReader(pngHeader))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasSuffix(img.URL, ".png") {
		t.Errorf("URL = %q, want .png from content", img.URL)
	}
}

func TestLocalStoreRemove(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir, "/uploads", 1<<20)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	a, err := s.Save(context.Background(), "menu.png", bytes.NewReader(pngHeader))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.Remove(a); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Remove left %d files behind", len(entries))
	}
	if err := s.Remove(a); err != nil {
		t.Errorf("second Remove = %v, want nil", err)
	}

	for _, url := range []string{"https://cdn.example.com/x.png", "/uploads/../chat.db", "/uploads/"} {
		if err := s.Remove(model.Attachment{URL: url}); err == nil {
			t.Errorf("Remove(%q) succeeded, want error", url)
		}
	}
}
