package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PartialSuffix marks a download that has not been moved into place yet.
const PartialSuffix = ".part"

type FileManager struct {
	logger *Logger
}

func NewFileManager(logger *Logger) *FileManager {
	return &FileManager{
		logger: logger,
	}
}

// UnitPath is where a unit's file lands: <dir>/<source>/<unit>_<name>.
func UnitPath(dir, sourceID string, unitID int64, fileName string) string {
	return filepath.Join(dir, SanitizeFileName(sourceID), fmt.Sprintf("%d_%s", unitID, SanitizeFileName(fileName)))
}

// SanitizeFileName strips path separators and other characters that are
// unsafe in a single path element.
func SanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		if r < 0x20 {
			return '_'
		}
		return r
	}, name)
	name = strings.Trim(name, ". ")
	if name == "" {
		return "unnamed"
	}
	return name
}

func (fm *FileManager) MoveFile(src, dst string) error {
	fm.logger.WithField("source", src).
		WithField("destination", dst).
		Debug("Moving file")

	// Ensure destination directory exists
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	// Try rename first (fastest if on same filesystem)
	if err := os.Rename(src, dst); err != nil {
		if _, err := fm.CopyFile(src, dst); err != nil {
			return fmt.Errorf("failed to copy file: %w", err)
		}
		if err := os.Remove(src); err != nil {
			fm.logger.WithError(err).WithField("file", src).Warn("Failed to remove source file after copy")
		}
	}
	return nil
}

func (fm *FileManager) CopyFile(src, dst string) (int64, error) {
	sourceFile, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	return fm.WriteFile(dst, sourceFile)
}

// WriteFile streams r into dst through a partial file that is renamed into
// place once complete.
func (fm *FileManager) WriteFile(dst string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("failed to create destination directory: %w", err)
	}

	partial := dst + PartialSuffix
	destFile, err := os.Create(partial)
	if err != nil {
		return 0, fmt.Errorf("failed to create destination file: %w", err)
	}

	written, err := io.Copy(destFile, r)
	closeErr := destFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(partial)
		return written, fmt.Errorf("failed to write file contents: %w", err)
	}

	if err := os.Rename(partial, dst); err != nil {
		os.Remove(partial)
		return written, fmt.Errorf("failed to move file into place: %w", err)
	}

	fm.logger.WithField("destination", dst).
		WithField("bytes", written).
		Debug("File written successfully")
	return written, nil
}

// CleanupPartialFiles removes partial downloads older than maxAge under directory.
func (fm *FileManager) CleanupPartialFiles(directory string, maxAge time.Duration) (int, error) {
	if _, err := os.Stat(directory); os.IsNotExist(err) {
		return 0, nil
	}

	cleanedCount := 0
	cutoffTime := time.Now().Add(-maxAge)

	err := filepath.Walk(directory, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || !strings.HasSuffix(path, PartialSuffix) || !info.ModTime().Before(cutoffTime) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			fm.logger.WithError(err).
				WithField("file", path).
				Warn("Failed to remove partial file")
			return nil
		}
		cleanedCount++
		return nil
	})
	if err != nil {
		return cleanedCount, fmt.Errorf("failed to walk %s: %w", directory, err)
	}

	if cleanedCount > 0 {
		fm.logger.WithField("directory", directory).
			WithField("cleaned_files", cleanedCount).
			Info("Cleanup completed")
	}

	return cleanedCount, nil
}
