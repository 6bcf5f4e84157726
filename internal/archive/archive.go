// Package archive writes immutable truth snapshots to durable storage outside
// the database.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"storyforge/api/internal/content"
)

// Record is the archived form of one truth snapshot.
type Record struct {
	ProjectID   string      `json:"projectId"`
	SnapshotID  string      `json:"snapshotId"`
	TruthID     string      `json:"truthId"`
	Version     int         `json:"version"`
	ContentHash string      `json:"contentHash"`
	Content     content.Doc `json:"content"`
	LockedBy    string      `json:"lockedBy"`
	CreatedAt   time.Time   `json:"createdAt"`
}

type Archiver interface {
	Archive(ctx context.Context, record Record) error
}

type Noop struct{}

func (Noop) Archive(context.Context, Record) error { return nil }

// VersionTag is the label a snapshot version is archived under.
func VersionTag(version int) string {
	return fmt.Sprintf("v%04d", version)
}

func encode(record Record) ([]byte, error) {
	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot record: %w", err)
	}
	return append(payload, '\n'), nil
}
