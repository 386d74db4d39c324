package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// copyFile copies src into the destination directory under its own basename,
// overwriting any stale copy, and syncs the result to disk.
func copyFile(src, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory '%s': %w", destDir, err)
	}
	destPath := filepath.Join(destDir, filepath.Base(src))

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open '%s': %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("failed to create '%s': %w", destPath, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("failed to copy '%s' to '%s': %w", src, destPath, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return "", fmt.Errorf("failed to sync '%s': %w", destPath, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to close '%s': %w", destPath, err)
	}
	return destPath, nil
}

// moveFile relocates src into destDir, falling back to copy-and-remove when
// a rename crosses filesystems.
func moveFile(src, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory '%s': %w", destDir, err)
	}
	destPath := filepath.Join(destDir, filepath.Base(src))

	if err := os.Rename(src, destPath); err == nil {
		return destPath, nil
	}
	if _, err := copyFile(src, destDir); err != nil {
		return "", err
	}
	if err := os.Remove(src); err != nil {
		return "", fmt.Errorf("failed to remove '%s' after copy: %w", src, err)
	}
	return destPath, nil
}
