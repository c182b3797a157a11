// Package state persists the position across restarts. Checkpoints are
// plain JSON files written atomically via a temp file and rename.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"polytaker/internal/position"
)

type Checkpoint struct {
	// Market identity. A checkpoint only applies to the exact token pair it
	// was written for; anything else is treated as absent.
	MarketSlug string `json:"market_slug,omitempty"`
	YesTokenID string `json:"yes_token_id"`
	NoTokenID  string `json:"no_token_id"`

	SavedAtMs int64 `json:"saved_at_ms"`

	Position position.Snapshot `json:"position"`
}

// Matches reports whether the checkpoint was written for the given token
// pair. The slug is informational only; tokens are the identity.
func (c Checkpoint) Matches(yesTokenID, noTokenID string) bool {
	return c.YesTokenID == yesTokenID && c.NoTokenID == noTokenID
}

func LoadCheckpoint(path string) (Checkpoint, bool, error) {
	if path == "" {
		return Checkpoint{}, false, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, err
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(b, &ckpt); err != nil {
		return Checkpoint{}, false, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return ckpt, true, nil
}

func SaveCheckpoint(path string, ckpt Checkpoint) error {
	if path == "" {
		return nil
	}
	if ckpt.SavedAtMs == 0 {
		ckpt.SavedAtMs = time.Now().UnixMilli()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	b, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
