package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNoFile          = errors.New("no file provided")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file exceeds size limit")
)

// SaveUpload validates and stores an uploaded file in dir under its sanitized
// original name. It returns the absolute path of the stored file.
func SaveUpload(dir string, fileHeader *multipart.FileHeader, maxBytes int64, allowedExts []string) (string, error) {
	if fileHeader == nil {
		return "", ErrNoFile
	}
	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	if !extAllowed(ext, allowedExts) {
		return "", fmt.Errorf("%w: %q (allowed: %s)", ErrUnsupportedType, fileHeader.Filename, strings.Join(allowedExts, ", "))
	}
	if maxBytes > 0 && fileHeader.Size > maxBytes {
		return "", fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, fileHeader.Filename, fileHeader.Size, maxBytes)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure upload dir: %w", err)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return "", fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, dstPath, err := createExclusive(dir, sanitizeName(fileHeader.Filename))
	if err != nil {
		return "", err
	}
	defer func() {
		_ = dst.Close()
	}()

	var r io.Reader = src
	if maxBytes > 0 {
		r = io.LimitReader(src, maxBytes+1)
	}
	n, err := io.Copy(dst, r)
	if err != nil {
		_ = os.Remove(dstPath)
		return "", fmt.Errorf("copy upload: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		_ = os.Remove(dstPath)
		return "", fmt.Errorf("%w: %s, limit %d", ErrTooLarge, fileHeader.Filename, maxBytes)
	}
	abs, err := filepath.Abs(dstPath)
	if err != nil {
		return dstPath, nil
	}
	return abs, nil
}

// createExclusive creates name in dir, prefixing a random token on collision.
func createExclusive(dir, name string) (*os.File, string, error) {
	path := filepath.Join(dir, name)
	for attempt := 0; attempt < 5; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("create upload file: %w", err)
		}
		path = filepath.Join(dir, randomHex(4)+"-"+name)
	}
	return nil, "", fmt.Errorf("create upload file: too many name collisions for %s", name)
}

func extAllowed(ext string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(ext, a) {
			return true
		}
	}
	return false
}

// sanitizeName keeps the base name, replacing anything outside [A-Za-z0-9._-].
func sanitizeName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return randomHex(8)
	}
	return out
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
