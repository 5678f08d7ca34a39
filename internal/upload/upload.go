// Package upload stores message attachments and hands back their public URL.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/eventmarket/messaging/internal/model"
)

// ErrTooLarge is returned when a file exceeds the configured limit.
var ErrTooLarge = errors.New("upload: file too large")

// Store persists attachment bytes.
type Store interface {
	Save(ctx context.Context, name string, r io.Reader) (model.Attachment, error)
	// Remove deletes a file returned by Save. Missing files are not an error.
	Remove(att model.Attachment) error
}

// LocalStore writes files under a directory served at BaseURL.
type LocalStore struct {
	dir      string
	baseURL  string
	maxBytes int64
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates dir if needed.
func NewLocalStore(dir, baseURL string, maxBytes int64) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: creating %s: %w", dir, err)
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/"), maxBytes: maxBytes}, nil
}

// Dir is the directory files are written to.
func (s *LocalStore) Dir() string {
	return s.dir
}

// Save copies r to a new file and describes it as an attachment.
func (s *LocalStore) Save(ctx context.Context, name string, r io.Reader) (model.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return model.Attachment{}, err
	}

	// Sniff the type from the first bytes, then stream the rest.
	head := make([]byte, 3072)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return model.Attachment{}, fmt.Errorf("upload: reading %s: %w", name, err)
	}
	head = head[:n]
	mtype := mimetype.Detect(head)

	// The stored extension follows the sniffed content, never the client's name.
	id := uuid.Must(uuid.NewV7()).String()
	filename := id + mtype.Extension()
	path := filepath.Join(s.dir, filename)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("upload: creating %s: %w", filename, err)
	}

	body := io.MultiReader(bytes.NewReader(head), r)
	written, err := io.Copy(f, io.LimitReader(body, s.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && written > s.maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return model.Attachment{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, name, s.maxBytes)
		}
		return model.Attachment{}, fmt.Errorf("upload: writing %s: %w", filename, err)
	}

	return model.Attachment{
		ID:   id,
		Type: mtype.String(),
		URL:  s.baseURL + "/" + filename,
		Name: filepath.Base(name),
		Size: written,
	}, nil
}

// Remove deletes the file behind att.
func (s *LocalStore) Remove(att model.Attachment) error {
	filename, ok := strings.CutPrefix(att.URL, s.baseURL+"/")
	if !ok || filename == "" || strings.ContainsAny(filename, `/\`) {
		return fmt.Errorf("upload: %q is not a stored file", att.URL)
	}
	if err := os.Remove(filepath.Join(s.dir, filename)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("upload: removing %s: %w", filename, err)
	}
	return nil
}
