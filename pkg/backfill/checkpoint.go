package backfill

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint is the durable progress of one backfill run. The work list is
// frozen when the run starts; LastCompleted is the index of the last event
// fully synced (-1 before any). A resumed run continues at LastCompleted+1.
type Checkpoint struct {
	RunID      string    `json:"run_id"`
	PartnerID  string    `json:"partner_id,omitempty"`
	ProviderID string    `json:"provider_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`

	// Events holds the frozen work list as event keys
	// (partner/provider/event), in sync order.
	Events        []string `json:"events"`
	LastCompleted int      `json:"last_completed"`
}

// CheckpointPath returns the stable path for a (partner, provider) scope, so
// a restarted run with the same flags finds its predecessor's progress.
func CheckpointPath(dir, partnerID, providerID string) string {
	scope := func(s string) string {
		if s == "" {
			return "all"
		}
		return s
	}
	name := fmt.Sprintf("backfill-%s-%s.json", scope(partnerID), scope(providerID))
	return filepath.Join(dir, name)
}

// LoadCheckpoint reads a checkpoint, returning nil when none exists.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parsing checkpoint %s: %w", path, err)
	}
	return &cp, nil
}

// Save writes the checkpoint atomically: full write to a temp file in the
// same directory, then rename. A crash mid-save leaves the previous
// checkpoint intact.
func (c *Checkpoint) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publishing checkpoint: %w", err)
	}
	return nil
}

// Archive renames a finished checkpoint aside instead of deleting it, keeping
// a record of what the run covered.
func (c *Checkpoint) Archive(path string) error {
	done := fmt.Sprintf("%s.%s.done", path, c.RunID)
	if err := os.Rename(path, done); err != nil {
		return fmt.Errorf("archiving checkpoint: %w", err)
	}
	return nil
}
