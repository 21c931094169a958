package config

import (
	"fmt"
	"os"
	"time"

	"github.com/inercia/tether/internal/appdir"
	"github.com/inercia/tether/internal/fileutil"
)

// State is the persisted client state, stored as state.json in the Tether
// data directory. It survives restarts so the client can resume where the
// user left off.
type State struct {
	// LastSessionID is the most recently active session.
	LastSessionID string `json:"lastSessionID,omitempty"`
	// LastDirectory is the project directory of that session.
	LastDirectory string `json:"lastDirectory,omitempty"`
	// UpdatedAt is when the state was last written.
	UpdatedAt time.Time `json:"updatedAt"`
}

// LoadState reads the persisted client state.
// A missing file yields an empty state, not an error.
func LoadState() (*State, error) {
	path, err := appdir.StatePath()
	if err != nil {
		return nil, err
	}

	var state State
	if err := fileutil.ReadJSON(path, &state); err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return &state, nil
}

// Save persists the client state atomically.
func (s *State) Save() error {
	if err := appdir.EnsureDir(); err != nil {
		return err
	}
	path, err := appdir.StatePath()
	if err != nil {
		return err
	}

	s.UpdatedAt = time.Now()
	if err := fileutil.WriteJSONAtomic(path, s, 0600); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// RememberSession records the active session and persists immediately.
func (s *State) RememberSession(sessionID, directory string) error {
	s.LastSessionID = sessionID
	s.LastDirectory = directory
	return s.Save()
}
