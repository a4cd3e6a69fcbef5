package checkpoint

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const auditFile = "subsync-audit.log"

// AuditLog appends one JSON line per session event to <git dir>/subsync-audit.log.
// The engine never reads it back.
type AuditLog struct {
	file   *os.File
	logger *slog.Logger
}

// OpenAuditLog opens the audit log for appending, creating it when missing
func OpenAuditLog(gitDir string) (*AuditLog, error) {
	f, err := os.OpenFile(filepath.Join(gitDir, auditFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &AuditLog{
		file:   f,
		logger: slog.New(slog.NewJSONHandler(f, nil)),
	}, nil
}

// Record appends an event with key/value attributes
func (a *AuditLog) Record(event string, args ...any) {
	if a == nil {
		return
	}
	a.logger.Info(event, args...)
}

// Close closes the underlying file
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	return a.file.Close()
}
