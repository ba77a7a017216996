package mutation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FS is a local-filesystem Mutator rooted at a base directory. Paths are
// resolved relative to the root and must stay inside it.
type FS struct {
	root string
}

// NewFS creates a filesystem mutator rooted at root.
func NewFS(root string) *FS {
	return &FS{root: root}
}

func (f *FS) resolve(path string) (string, error) {
	abs := filepath.Join(f.root, filepath.Clean("/"+path))
	rel, err := filepath.Rel(f.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes the workspace root", path)
	}
	return abs, nil
}

func failure(op Op, path string, err error) Result {
	return Result{Op: op, Success: false, Error: err.Error(), Path: path}
}

func (f *FS) Write(ctx context.Context, path, content string) Result {
	abs, err := f.resolve(path)
	if err != nil {
		return failure(OpWrite, path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return failure(OpWrite, path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return failure(OpWrite, path, err)
	}
	return Result{
		Op:      OpWrite,
		Success: true,
		Summary: fmt.Sprintf("wrote %d bytes to %s", len(content), path),
		Path:    path,
	}
}

// ReplaceRange replaces lines [startLine, endLine] (1-based, inclusive) with
// the replacement text.
func (f *FS) ReplaceRange(ctx context.Context, path string, startLine, endLine int, replacement string) Result {
	abs, err := f.resolve(path)
	if err != nil {
		return failure(OpReplaceRange, path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return failure(OpReplaceRange, path, err)
	}
	lines := strings.Split(string(data), "\n")
	if startLine < 1 || endLine < startLine || endLine > len(lines) {
		return failure(OpReplaceRange, path,
			fmt.Errorf("range %d-%d out of bounds for %d lines", startLine, endLine, len(lines)))
	}

	var out []string
	out = append(out, lines[:startLine-1]...)
	if replacement != "" {
		out = append(out, strings.Split(replacement, "\n")...)
	}
	out = append(out, lines[endLine:]...)

	if err := os.WriteFile(abs, []byte(strings.Join(out, "\n")), 0644); err != nil {
		return failure(OpReplaceRange, path, err)
	}
	return Result{
		Op:      OpReplaceRange,
		Success: true,
		Summary: fmt.Sprintf("replaced lines %d-%d in %s", startLine, endLine, path),
		Path:    path,
	}
}

func (f *FS) Delete(ctx context.Context, path string) Result {
	abs, err := f.resolve(path)
	if err != nil {
		return failure(OpDelete, path, err)
	}
	if err := os.Remove(abs); err != nil {
		return failure(OpDelete, path, err)
	}
	return Result{
		Op:      OpDelete,
		Success: true,
		Summary: fmt.Sprintf("deleted %s", path),
		Path:    path,
	}
}

func (f *FS) Rename(ctx context.Context, oldPath, newPath string) Result {
	absOld, err := f.resolve(oldPath)
	if err != nil {
		return failure(OpRename, oldPath, err)
	}
	absNew, err := f.resolve(newPath)
	if err != nil {
		return failure(OpRename, newPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(absNew), 0755); err != nil {
		return failure(OpRename, newPath, err)
	}
	if err := os.Rename(absOld, absNew); err != nil {
		return failure(OpRename, oldPath, err)
	}
	return Result{
		Op:      OpRename,
		Success: true,
		Summary: fmt.Sprintf("renamed %s to %s", oldPath, newPath),
		Path:    newPath,
		OldPath: oldPath,
	}
}
