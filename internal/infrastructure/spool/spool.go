// Package spool manages the local staging area for received files: incoming
// for freshly accepted uploads, uploading while a forward is in flight, and
// archive once the provider confirmed the file.
package spool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"dropgate/internal/config"
)

var Module = fx.Module("spool",
	fx.Provide(NewSpool),
)

// Spool handles local file operations for the upload pipeline.
type Spool interface {
	// SaveIncoming writes a received stream into the incoming folder and
	// returns the stored path and size.
	SaveIncoming(filename string, r io.Reader) (string, int64, error)

	// Exists reports whether the spooled file is still on disk.
	Exists(path string) bool

	// Archive moves a forwarded file into the archive folder.
	Archive(path string) error

	// Remove deletes a spooled file.
	Remove(path string) error

	// GetIncomingPath returns the full path to the incoming folder.
	GetIncomingPath() string

	// GetArchivePath returns the full path to the archive folder.
	GetArchivePath() string
}

type spool struct {
	config *config.UploadConfig
	logger *zap.Logger
}

func NewSpool(cfg *config.Config, logger *zap.Logger) (Spool, error) {
	s := &spool{
		config: &cfg.Uploads,
		logger: logger,
	}

	// Ensure all directories exist
	if err := s.ensureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create spool directories: %w", err)
	}

	logger.Info("Spool initialized",
		zap.String("base_path", cfg.Uploads.SpoolPath),
		zap.String("incoming_folder", s.GetIncomingPath()),
		zap.String("archive_folder", s.GetArchivePath()),
	)

	return s, nil
}

func (s *spool) ensureDirectories() error {
	dirs := []string{
		s.GetIncomingPath(),
		s.GetArchivePath(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

func (s *spool) SaveIncoming(filename string, r io.Reader) (string, int64, error) {
	name := sanitizeFilename(filename)
	if name == "" {
		return "", 0, fmt.Errorf("invalid filename %q", filename)
	}

	path := filepath.Join(s.GetIncomingPath(), name)

	// Avoid clobbering an existing spooled file with the same name
	if _, err := os.Stat(path); err == nil {
		path = filepath.Join(s.GetIncomingPath(), uniqueName(name))
	}

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create spool file: %w", err)
	}
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("failed to write spool file: %w", err)
	}

	s.logger.Debug("File spooled",
		zap.String("path", path),
		zap.Int64("size", size),
	)

	return path, size, nil
}

func (s *spool) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (s *spool) Archive(path string) error {
	target := filepath.Join(s.GetArchivePath(), filepath.Base(path))

	if err := os.Rename(path, target); err != nil {
		return fmt.Errorf("failed to archive %s: %w", path, err)
	}

	s.logger.Debug("File archived", zap.String("path", target))
	return nil
}

func (s *spool) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

func (s *spool) GetIncomingPath() string {
	return filepath.Join(s.config.SpoolPath, s.config.IncomingFolder)
}

func (s *spool) GetArchivePath() string {
	return filepath.Join(s.config.SpoolPath, s.config.ArchiveFolder)
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

func uniqueName(name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s-%s%s", base, uuid.NewString(), ext)
}
