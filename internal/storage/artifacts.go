package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/canopyflow/internal/common"
)

var ErrOutsideStore = errors.New("path is outside the artifact store")

// Artifacts is the on-disk job tree: <root>/<kind>/<jobId>/{input,output}.
// Files are only ever added.
type Artifacts struct {
	root string
}

// NewArtifacts roots the store at storageDir/jobs and creates it.
func NewArtifacts(storageDir string) (*Artifacts, error) {
	root, err := filepath.Abs(filepath.Join(storageDir, common.JobsDirName))
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Artifacts{root: root}, nil
}

// Root is the directory served under /outputs.
func (a *Artifacts) Root() string { return a.root }

func (a *Artifacts) JobDir(kind, jobID string) string {
	return filepath.Join(a.root, kind, jobID)
}

func (a *Artifacts) InputDir(kind, jobID string) string {
	return filepath.Join(a.JobDir(kind, jobID), common.InputDirName)
}

func (a *Artifacts) OutputDir(kind, jobID string) string {
	return filepath.Join(a.JobDir(kind, jobID), common.OutputDirName)
}

// PublicURL maps an absolute path inside the store to its /outputs URL path.
func (a *Artifacts) PublicURL(abs string) (string, error) {
	p, err := filepath.Abs(abs)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(a.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideStore, abs)
	}
	return common.PathOutputs + "/" + filepath.ToSlash(rel), nil
}

// Resolve maps a reference to an absolute path inside the store. It accepts
// /outputs URL paths and absolute paths under the root; anything escaping the
// root is rejected.
func (a *Artifacts) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrOutsideStore)
	}
	if rest, ok := strings.CutPrefix(ref, common.PathOutputs+"/"); ok {
		for _, seg := range strings.Split(rest, "/") {
			if seg == ".." {
				return "", fmt.Errorf("%w: %s", ErrOutsideStore, ref)
			}
		}
		clean := path.Clean("/" + rest)
		return filepath.Join(a.root, filepath.FromSlash(clean)), nil
	}
	if !filepath.IsAbs(ref) {
		return "", fmt.Errorf("%w: %s", ErrOutsideStore, ref)
	}
	p := filepath.Clean(ref)
	rel, err := filepath.Rel(a.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideStore, ref)
	}
	return p, nil
}

// Exists reports whether p names an existing regular file.
func Exists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// CopyFile copies src to dst, creating dst's directory.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", dst, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return out.Close()
}
