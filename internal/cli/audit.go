package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/picklr-io/broker/internal/logging"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	Timestamp  string `json:"timestamp"`
	Operation  string `json:"operation"` // "create", "delete", "archive"
	User       string `json:"user"`
	ResourceID string `json:"resource_id,omitempty"`
	ChainID    string `json:"chain_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// audit records entry in the audit log, if one is configured. A failure to
// write is logged and does not fail the command.
func audit(entry AuditEntry, opErr error) {
	if auditLog == "" {
		return
	}
	if opErr != nil {
		entry.Error = opErr.Error()
	}
	if err := writeAuditLog(auditLog, entry); err != nil {
		logging.Warn("audit_log_write_failed", "path", auditLog, "error", err)
	}
}

// writeAuditLog appends an audit entry to the audit log file.
func writeAuditLog(path string, entry AuditEntry) error {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if entry.User == "" {
		entry.User = currentUser()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	_, err = f.WriteString(string(data) + "\n")
	return err
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" {
		return user
	}
	return "unknown"
}
