// Package archive lays out mailbox archives on the local filesystem:
// <root>/<date>/<service>/<address>.pst, with an errors.log per dated folder.
package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ahrav/exchange-backup/internal/domain/export"
)

// Extension is the archive file extension produced by the export API.
const Extension = ".pst"

// ErrorLogName is the per-run failure log.
const ErrorLogName = "errors.log"

// Store is the filesystem BackupStore for one run.
type Store struct {
	runDir string
	now    func() time.Time

	mu sync.Mutex // Serializes appends to the error log.
}

var _ export.ArchiveStore = (*Store)(nil)

// New creates a store whose run folder is root/<runDate formatted with layout>.
func New(root string, runDate time.Time, layout string) *Store {
	return &Store{
		runDir: filepath.Join(root, runDate.Format(layout)),
		now:    time.Now,
	}
}

// RunDir returns the dated folder of this run.
func (s *Store) RunDir() string { return s.runDir }

// PathFor returns the archive path for account.
func (s *Store) PathFor(account export.Account) string {
	return filepath.Join(s.runDir, sanitize(account.Service()), sanitize(account.Address())+Extension)
}

// Exists reports whether a non-empty archive is present at path. A zero byte
// file is a leftover of an interrupted transfer and does not count.
func (s *Store) Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	case info.IsDir():
		return false, fmt.Errorf("archive path %s is a directory", path)
	default:
		return info.Size() > 0, nil
	}
}

// Prepare creates the parent directories of path.
func (s *Store) Prepare(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	return nil
}

// RecordFailure appends "<time> <account>: <reason>" to the run's errors.log.
func (s *Store) RecordFailure(account export.Account, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.runDir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.runDir, ErrorLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open error log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s: %s\n", s.now().Format("2006-01-02 15:04:05"), account.Key(), oneLine(reason))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to write error log: %w", err)
	}
	return nil
}

func sanitize(name string) string {
	return strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(name)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
