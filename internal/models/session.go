package models

import (
	"time"

	"uniconvert/internal/formats"
)

// Session is a read-only view of one upload workspace.
type Session struct {
	ID         string       `json:"id"`
	CreatedAt  time.Time    `json:"created_at"`
	LastActive time.Time    `json:"last_active"`
	Inputs     []FileRecord `json:"inputs"`
	Outputs    []FileRecord `json:"outputs"`
}

// Bytes sums the sizes of every stored file in the session.
func (s Session) Bytes() (inputs, outputs int64) {
	for _, f := range s.Inputs {
		inputs += f.Size
	}
	for _, f := range s.Outputs {
		outputs += f.Size
	}
	return inputs, outputs
}

// FileRecord describes one stored file. StoredPath never changes once set.
type FileRecord struct {
	OriginalName string       `json:"original_name"`
	StoredName   string       `json:"stored_name"`
	Kind         formats.Kind `json:"kind"`
	MIME         string       `json:"mime"`
	StoredPath   string       `json:"-"`
	Size         int64        `json:"size"`
	CreatedAt    time.Time    `json:"created_at"`
}

// StoreStats summarizes what the session store currently holds.
type StoreStats struct {
	Sessions    int   `json:"session_count"`
	InputBytes  int64 `json:"input_bytes"`
	OutputBytes int64 `json:"output_bytes"`
	TotalBytes  int64 `json:"total_bytes"`
}

// DestroyReason says which trigger removed a session.
type DestroyReason string

const (
	DestroyExpired  DestroyReason = "expired"
	DestroyExplicit DestroyReason = "explicit"
	DestroyUnload   DestroyReason = "unload"
)

// DestroyReport is the outcome of removing one session. Errors lists paths
// that could not be deleted; the session is gone from the registry regardless.
type DestroyReport struct {
	SessionID   string        `json:"session_id"`
	Reason      DestroyReason `json:"reason,omitempty"`
	Existed     bool          `json:"existed"`
	InputBytes  int64         `json:"input_bytes"`
	OutputBytes int64         `json:"output_bytes"`
	Errors      []string      `json:"-"`
}

// FreedBytes is the total size of the removed files.
func (r DestroyReport) FreedBytes() int64 {
	return r.InputBytes + r.OutputBytes
}
