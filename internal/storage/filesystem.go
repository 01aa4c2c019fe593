// Package storage keeps ticket attachments on the local filesystem.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const indexStub = "<!DOCTYPE html><html><head><title>403 Forbidden</title></head><body></body></html>\n"

const maxFilenameLength = 120

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ErrOutsideRoot is returned when a stored path does not live under the
// store's root directory.
var ErrOutsideRoot = errors.New("path outside attachment root")

// FilesystemStore writes each attachment once under
// <root>/ticket-<id>/<uuid>-<sanitized name>.
type FilesystemStore struct {
	root    string
	newName func() string
}

// NewFilesystemStore creates root when missing.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("attachment root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create attachment root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve attachment root: %w", err)
	}
	return &FilesystemStore{root: abs, newName: uuid.NewString}, nil
}

// Root returns the absolute attachment directory.
func (s *FilesystemStore) Root() string {
	return s.root
}

// Write stores content for ticketID and returns the stored path and the
// hex sha256 of the content.
func (s *FilesystemStore) Write(ctx context.Context, ticketID int64, filename string, content []byte) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	dir, err := s.ticketDir(ticketID)
	if err != nil {
		return "", "", err
	}

	path := filepath.Join(dir, s.newName()+"-"+SanitizeFilename(filename))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", "", fmt.Errorf("failed to create attachment file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(path)
		return "", "", fmt.Errorf("failed to write attachment: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", "", fmt.Errorf("failed to close attachment: %w", err)
	}

	sum := sha256.Sum256(content)
	return path, hex.EncodeToString(sum[:]), nil
}

// Read returns the content of a path previously returned by Write.
func (s *FilesystemStore) Read(path string) ([]byte, error) {
	resolved, err := s.Resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(resolved)
}

// Resolve returns the absolute form of path after following symlinks. A
// relative path is taken relative to the root. Paths that end up outside
// the root yield ErrOutsideRoot.
func (s *FilesystemStore) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", ErrOutsideRoot
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	path = filepath.Clean(path)
	if !within(s.root, path) {
		return "", ErrOutsideRoot
	}
	root, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve attachment root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve attachment %s: %w", path, err)
	}
	if !within(root, resolved) {
		return "", ErrOutsideRoot
	}
	return resolved, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

// HealthCheck verifies the root is writable.
func (s *FilesystemStore) HealthCheck() error {
	marker := filepath.Join(s.root, ".health_check")
	if err := os.WriteFile(marker, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("attachment root not writable: %w", err)
	}
	if err := os.Remove(marker); err != nil {
		return fmt.Errorf("attachment root cleanup failed: %w", err)
	}
	return nil
}

func (s *FilesystemStore) ticketDir(ticketID int64) (string, error) {
	dir := filepath.Join(s.root, fmt.Sprintf("ticket-%d", ticketID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create ticket directory: %w", err)
	}
	index := filepath.Join(dir, "index.html")
	if _, err := os.Stat(index); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(index, []byte(indexStub), 0o640); err != nil {
			return "", fmt.Errorf("failed to write index stub: %w", err)
		}
	}
	return dir, nil
}

// SanitizeFilename keeps the base name, replaces anything outside
// [A-Za-z0-9._-] with an underscore and bounds the length.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "attachment"
	}
	if len(name) > maxFilenameLength {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:maxFilenameLength-len(ext)] + ext
		for !utf8.ValidString(name) {
			name = name[:len(name)-1]
		}
	}
	return name
}
