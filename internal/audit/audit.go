package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Entry is one row of the audit trail.
type Entry struct {
	ID            int64
	ActorID       int64
	Role          string
	Action        string
	ResourceType  string
	ResourceID    string
	DeviceID      int64
	Metadata      json.RawMessage
	PayloadDigest string
	IP            string
	UserAgent     string
	CreatedAt     time.Time
}

// Actions written by the HTTP adapters.
const (
	ActionCommandEnqueue = "command.enqueue"
	ActionAlertsReadAll  = "alerts.read_all"
)

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// DigestJSON computes a SHA256 hex digest for metadata payloads.
func DigestJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
