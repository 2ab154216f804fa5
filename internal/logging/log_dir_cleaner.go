package logging

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxLogDirSizeMB caps the total size of rotated log files kept on disk,
// beyond lumberjack's per-file rotation.
const maxLogDirSizeMB = 100

const logDirCleanerInterval = time.Minute

var logDirCleanerCancel context.CancelFunc

// startLogDirCleanerLocked begins the periodic sweep of the log directory.
// The active log file is never removed. Callers hold writerMu.
func startLogDirCleanerLocked(logDir, activePath string) {
	stopLogDirCleanerLocked()

	ctx, cancel := context.WithCancel(context.Background())
	logDirCleanerCancel = cancel
	maxBytes := int64(maxLogDirSizeMB) * 1024 * 1024

	go func() {
		ticker := time.NewTicker(logDirCleanerInterval)
		defer ticker.Stop()

		sweep := func() {
			deleted, err := enforceLogDirSizeLimit(logDir, maxBytes, activePath)
			if err != nil {
				log.WithError(err).Warn("logging: failed to enforce log directory size limit")
				return
			}
			if deleted > 0 {
				log.Debugf("logging: removed %d old log file(s)", deleted)
			}
		}

		sweep()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()
}

func stopLogDirCleanerLocked() {
	if logDirCleanerCancel == nil {
		return
	}
	logDirCleanerCancel()
	logDirCleanerCancel = nil
}

// enforceLogDirSizeLimit deletes the oldest rotated log files until the
// directory fits under maxBytes. protectedPath survives regardless of age.
func enforceLogDirSizeLimit(logDir string, maxBytes int64, protectedPath string) (int, error) {
	if maxBytes <= 0 || logDir == "" {
		return 0, nil
	}

	entries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	protected := filepath.Clean(protectedPath)

	type logFile struct {
		path    string
		size    int64
		modTime time.Time
	}
	var (
		files []logFile
		total int64
	)
	for _, entry := range entries {
		if entry.IsDir() || !isLogFileName(entry.Name()) {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, logFile{
			path:    filepath.Join(logDir, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}

	if total <= maxBytes {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	deleted := 0
	for _, file := range files {
		if total <= maxBytes {
			break
		}
		if filepath.Clean(file.path) == protected {
			continue
		}
		if errRemove := os.Remove(file.path); errRemove != nil {
			log.WithError(errRemove).Warnf("logging: failed to remove old log file: %s", filepath.Base(file.path))
			continue
		}
		total -= file.size
		deleted++
	}
	return deleted, nil
}

func isLogFileName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, ".log.gz")
}
