package storage

import (
	"bytes"
	"errors"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jo-hoe/canopyflow/internal/common"
)

func makeMultipartFile(t *testing.T, filename string, content []byte) *multipart.FileHeader {
	t.Helper()
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, "http://example/upload", &b)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	if err := req.ParseMultipartForm(int64(len(b.Bytes())) + 1024); err != nil {
		t.Fatalf("ParseMultipartForm: %v", err)
	}
	fhs := req.MultipartForm.File["file"]
	if len(fhs) == 0 {
		t.Fatalf("no fileheaders parsed")
	}
	return fhs[0]
}

func TestSaveUpload_PointCloud(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "input")
	fh := makeMultipartFile(t, "Survey.LAS", []byte("lasdata"))
	path, err := SaveUpload(dir, fh, 1024, common.PointCloudExts)
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	if filepath.Dir(path) != dir || filepath.Base(path) != "Survey.LAS" {
		t.Fatalf("stored at unexpected path: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "lasdata" {
		t.Fatalf("stored content: %q, %v", data, err)
	}
}

func TestSaveUpload_RejectsUnsupportedExtension(t *testing.T) {
	fh := makeMultipartFile(t, "notes.txt", []byte("text"))
	_, err := SaveUpload(t.TempDir(), fh, 1024, common.RasterExts)
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("got %v want ErrUnsupportedType", err)
	}
}

func TestSaveUpload_RespectsMaxBytes(t *testing.T) {
	dir := t.TempDir()
	fh := makeMultipartFile(t, "big.tif", bytes.Repeat([]byte("x"), 4096))
	_, err := SaveUpload(dir, fh, 1024, common.RasterExts)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("got %v want ErrTooLarge", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("oversized upload must not leave a file behind: %v", entries)
	}
}

func TestSaveUpload_CollisionKeepsBothFiles(t *testing.T) {
	dir := t.TempDir()
	first, err := SaveUpload(dir, makeMultipartFile(t, "img.tif", []byte("a")), 0, common.RasterExts)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := SaveUpload(dir, makeMultipartFile(t, "img.tif", []byte("b")), 0, common.RasterExts)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first == second || !strings.HasSuffix(second, "-img.tif") {
		t.Fatalf("collision handling: first=%s second=%s", first, second)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd":  "passwd",
		"my survey (1).las": "my_survey__1_.las",
		"C:\\dir\\chm.tif":  "chm.tif",
		".hidden.tif":       "hidden.tif",
	}
	for in, want := range cases {
		if got := sanitizeName(in); got != want {
			t.Fatalf("sanitizeName(%q): got %q want %q", in, got, want)
		}
	}
}
