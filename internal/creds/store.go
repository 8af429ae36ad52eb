// Package creds provides the file-backed credentials store.
//
// Each user's exchange session material is stored as a separate file:
// user_<id>.json holding the opaque header map and cookie blob captured
// from a logged-in session. Writes use atomic file replacement (write to
// .tmp, then rename) so a crash mid-save never leaves a corrupt file, and
// files are created 0600 since their contents authenticate the user.
package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"alpha-volume-bot/pkg/types"
)

// ErrNotFound is returned when no credentials file exists for a user.
var ErrNotFound = errors.New("credentials not found")

// Store reads and writes per-user credential files in a designated
// directory. All operations are mutex-protected to prevent concurrent
// file corruption.
type Store struct {
	dir string     // directory containing user_*.json files
	mu  sync.Mutex // serializes all file operations
}

// credentialsFile is the on-disk JSON shape.
type credentialsFile struct {
	UserID  int64             `json:"user_id"`
	Headers map[string]string `json:"headers"`
	Cookies string            `json:"cookies"`
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credentials dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// GetCredentials loads one user's session material. Returns ErrNotFound
// when the user has no stored credentials.
func (s *Store) GetCredentials(userID int64) (types.UserCredentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return types.UserCredentials{}, fmt.Errorf("user %d: %w", userID, ErrNotFound)
		}
		return types.UserCredentials{}, fmt.Errorf("read credentials: %w", err)
	}

	var f credentialsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return types.UserCredentials{}, fmt.Errorf("unmarshal credentials: %w", err)
	}

	return types.UserCredentials{
		UserID:  userID,
		Headers: f.Headers,
		Cookies: f.Cookies,
	}, nil
}

// SaveCredentials atomically persists one user's session material.
// Used by operator tooling when refreshing expired sessions.
func (s *Store) SaveCredentials(creds types.UserCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(credentialsFile{
		UserID:  creds.UserID,
		Headers: creds.Headers,
		Cookies: creds.Cookies,
	})
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	path := s.path(creds.UserID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *Store) path(userID int64) string {
	return filepath.Join(s.dir, "user_"+strconv.FormatInt(userID, 10)+".json")
}
