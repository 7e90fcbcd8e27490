// Package history implements the per-machine append-only history
// tracker: one bounded queue and one background worker per machine,
// flushing to a dedicated SQLite table per machine id.
package history

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Row is one durable history record, matching the fixed column set of
// a `history_<sanitized-id>` table.
type Row struct {
	ID                int64
	DateTime          time.Time
	State             string
	Event             string
	EventIgnored      bool
	EventPayload      []byte // raw JSON, stored base64-encoded
	TransitionOrStay  bool
	TransitionToState string // empty when stay or ignored
	TransitionCounter int
	PersistentContext []byte // raw JSON, stored base64-encoded
	VolatileContext   []byte // raw JSON, stored base64-encoded
}

// EncodePayload marshals v to JSON for storage in an EventPayload,
// PersistentContext, or VolatileContext column.
func EncodePayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func encodeBase64(raw []byte) string {
	if raw == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

var nonIdentChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// TableName returns the sanitized `history_<id>` table name for
// machineID: non-alphanumeric characters become underscores, so ids
// containing colons, dots, or slashes stay valid SQL identifiers.
func TableName(machineID string) string {
	sanitized := nonIdentChars.ReplaceAllString(machineID, "_")
	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		sanitized = "machine"
	}
	return "history_" + sanitized
}
