package store

import "time"

type SessionRecord struct {
	ID          string
	Title       string
	InputPolicy string
	CreatedAt   time.Time
	ClosedAt    *time.Time
}

// Charter is one finalized charter version.
type Charter struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"sessionId"`
	Version         int64          `json:"version"`
	Fields          map[string]any `json:"fields"`
	LockedPaths     []string       `json:"lockedPaths"`
	MissingRequired []string       `json:"missingRequired"`
	CommitHash      string         `json:"commitHash,omitempty"`
	FinalizedBy     string         `json:"finalizedBy,omitempty"`
	FinalizedAt     time.Time      `json:"finalizedAt"`
}
