package state

import (
	"encoding/json"
	"fmt"
)

// CleanupMode selects what happens to a running record whose process died.
type CleanupMode string

const (
	// CleanupMark flips dead running records to StatusStale in place.
	CleanupMark CleanupMode = "mark"
	// CleanupRemove deletes dead running records outright.
	CleanupRemove CleanupMode = "remove"
)

// CleanupResult names the records cleanup touched.
type CleanupResult struct {
	Marked  []string
	Removed []string
	Skipped []string
}

// Cleanup scans running records and handles the ones whose recorded agent
// process is gone. Records that are not running, have no usable pid, or
// cannot be decoded are left untouched; a malformed entry never aborts the
// scan.
func (s *Store) Cleanup(mode CleanupMode) (CleanupResult, error) {
	if mode != CleanupMark && mode != CleanupRemove {
		return CleanupResult{}, fmt.Errorf("state: unknown cleanup mode %q", mode)
	}
	var result CleanupResult
	err := s.withLock(func() error {
		records, _, err := s.load()
		if err != nil {
			return err
		}
		changed := false
		for name, raw := range records {
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				s.logger.Printf("state: cleanup skipping malformed record %q: %v", name, err)
				result.Skipped = append(result.Skipped, name)
				continue
			}
			if rec.Status != StatusRunning {
				continue
			}
			if rec.AgentPID <= 0 {
				result.Skipped = append(result.Skipped, name)
				continue
			}
			if s.alive(rec.AgentPID) {
				continue
			}
			switch mode {
			case CleanupMark:
				rec.Status = StatusStale
				encoded, err := json.Marshal(rec)
				if err != nil {
					return fmt.Errorf("state: encode session %q: %w", name, err)
				}
				records[name] = encoded
				result.Marked = append(result.Marked, name)
			case CleanupRemove:
				delete(records, name)
				result.Removed = append(result.Removed, name)
			}
			changed = true
		}
		if !changed {
			return nil
		}
		return s.save(records)
	})
	if err != nil {
		return CleanupResult{}, err
	}
	return result, nil
}
