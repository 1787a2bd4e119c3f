// Copyright 2025 The nuclia-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

const (
	// ConfigDirName is the dot-directory under the user's home.
	ConfigDirName = ".nuclia"
	// ConfigFileName is the document inside ConfigDirName.
	ConfigFileName = "config"
	// ConfigPathEnvVar overrides the document location.
	ConfigPathEnvVar = "NUCLIA_CONFIG"
)

// DefaultPath returns $NUCLIA_CONFIG or ~/.nuclia/config.
func DefaultPath() (string, error) {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ConfigDirName, ConfigFileName), nil
}

// Store is the single writer of the configuration document.
//
// Readers call Snapshot and get a private copy. Writers go through Update,
// which serialises on a mutex, validates, and replaces the file with a
// write-temp-then-rename so other processes see either the old or the new
// document, never a partial one.
type Store struct {
	path    string
	mu      sync.Mutex
	current atomic.Pointer[Config]
}

// Open loads the document at path, creating an empty one if it does not
// exist. An empty path means DefaultPath.
func Open(path string) (*Store, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	s := &Store{path: path}
	cfg, err := readConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = &Config{}
		if err := writeAtomic(path, cfg); err != nil {
			return nil, err
		}
		slog.Debug("Created empty configuration", "path", path)
	} else if err != nil {
		return nil, err
	}
	s.current.Store(cfg)
	return s, nil
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns a private copy of the current document.
func (s *Store) Snapshot() *Config {
	return s.current.Load().Clone()
}

// Update applies fn to a copy of the document, validates the result, saves
// it and publishes it. If fn or validation fails nothing changes.
func (s *Store) Update(fn func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.CanonicalizeDefaults()
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := writeAtomic(s.path, next); err != nil {
		return err
	}
	s.current.Store(next)
	return nil
}

// Reload re-reads the document from disk.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := readConfig(s.path)
	if err != nil {
		return err
	}
	s.current.Store(cfg)
	return nil
}

func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.CanonicalizeDefaults()
	return cfg, nil
}

func writeAtomic(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace config %s: %w", path, err)
	}
	return nil
}
