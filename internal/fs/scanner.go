package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/nickcecere/ragsync/internal/filesync"
)

// ErrOutsideRoot is returned when a path does not follow the
// root/{user}/files/{name} layout.
var ErrOutsideRoot = errors.New("path is not a user file under the storage root")

// Scanner lists user namespaces and the files inside them. The storage root
// is never written to.
type Scanner struct {
	root    string
	opts    ScanOptions
	ignorer *gitignore.GitIgnore
	logger  *log.Logger
}

// NewScanner creates a scanner rooted at root.
func NewScanner(root string, opts ScanOptions) (*Scanner, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage root does not exist: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage root is not a directory: %s", abs)
	}

	patterns := append([]string{}, defaultIgnorePatterns...)
	patterns = append(patterns, opts.IgnorePatterns...)

	return &Scanner{
		root:    abs,
		opts:    opts,
		ignorer: gitignore.CompileIgnoreLines(patterns...),
		logger:  log.WithPrefix("scanner"),
	}, nil
}

// Root returns the absolute storage root.
func (s *Scanner) Root() string {
	return s.root
}

// UserFilesDir returns the directory holding a user's files.
func (s *Scanner) UserFilesDir(user string) string {
	return filepath.Join(s.root, user, FilesDir)
}

// ListUsers returns the user namespaces under the root, sorted by name.
// Every non-hidden directory is a namespace, whether or not it has files yet.
func (s *Scanner) ListUsers() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage root: %w", err)
	}

	var users []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		users = append(users, e.Name())
	}
	sort.Strings(users)
	return users, nil
}

// ScanUser computes metadata for every file directly inside the user's files
// directory. Subdirectories are not descended into. A user without a files
// directory has no files.
func (s *Scanner) ScanUser(ctx context.Context, user string) ([]filesync.FileMetadata, ScanStats, error) {
	var stats ScanStats

	dir := s.UserFilesDir(user)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, stats, nil
		}
		return nil, stats, fmt.Errorf("failed to list files for %s: %w", user, err)
	}

	files := make([]filesync.FileMetadata, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		if e.IsDir() {
			continue
		}
		if s.shouldSkip(e.Name()) || !e.Type().IsRegular() {
			stats.FilesSkipped++
			continue
		}

		meta, err := s.Stat(user, filepath.Join(dir, e.Name()))
		if err != nil {
			// The file may have been removed mid-scan; the next scan settles it.
			s.logger.Debug("Failed to stat file", "user", user, "file", e.Name(), "error", err)
			stats.FilesSkipped++
			continue
		}

		stats.FilesFound++
		stats.TotalBytes += meta.SizeBytes
		files = append(files, meta)
	}

	return files, stats, nil
}

// Stat builds the metadata of one file, including its content hash.
func (s *Scanner) Stat(user, path string) (filesync.FileMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return filesync.FileMetadata{}, err
	}
	if !info.Mode().IsRegular() {
		return filesync.FileMetadata{}, fmt.Errorf("not a regular file: %s", path)
	}

	hash, err := HashFile(path)
	if err != nil {
		return filesync.FileMetadata{}, fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return filesync.FileMetadata{
		UserID:       user,
		FilePath:     path,
		FolderPath:   filepath.Dir(path),
		FileName:     filepath.Base(path),
		SizeBytes:    info.Size(),
		Extension:    filepath.Ext(path),
		LastModified: info.ModTime().UTC(),
		ContentHash:  hash,
	}, nil
}

// ParseUserPath splits an absolute path of the form root/{user}/files/{name}
// and returns the user it belongs to.
func (s *Scanner) ParseUserPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 || parts[0] == ".." || parts[1] != FilesDir || parts[2] == "" {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	if strings.HasPrefix(parts[0], ".") || s.shouldSkip(parts[2]) {
		return "", fmt.Errorf("%w: %s is ignored", ErrOutsideRoot, path)
	}

	return parts[0], nil
}

func (s *Scanner) shouldSkip(name string) bool {
	if !s.opts.IncludeHidden && strings.HasPrefix(name, ".") {
		return true
	}
	return s.ignorer.MatchesPath(name)
}

// HashFile computes the hex SHA-256 of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Temporary and system files that never hold user content.
var defaultIgnorePatterns = []string{
	// OS files
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",

	// Office lock files and editor leftovers
	"~*",
	".~lock.*",
	"*.swp",
	"*.swo",
	"*~",

	// Partial writes
	"*.tmp",
	"*.part",
	"*.crdownload",
}
