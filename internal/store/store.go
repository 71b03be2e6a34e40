// Package store persists oracle state between daemon runs.
package store

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/moltbunker/bondoracle/internal/assets"
	"github.com/moltbunker/bondoracle/internal/ledger"
	"github.com/moltbunker/bondoracle/internal/logging"
	"github.com/moltbunker/bondoracle/internal/registry"
	"github.com/moltbunker/bondoracle/pkg/types"
)

// Version is the current state file format
const Version = 1

var (
	ErrChecksumMismatch   = errors.New("state checksum mismatch")
	ErrUnsupportedVersion = errors.New("unsupported state version")
)

// State is everything needed to resume an oracle
type State struct {
	Reports []registry.Record      `json:"reports"`
	Ledger  []ledger.Entry         `json:"ledger"`
	World   *assets.MemorySnapshot `json:"world,omitempty"`
	Clock   *types.Instant         `json:"clock,omitempty"`
}

// envelope is the on-disk wrapper around a State
type envelope struct {
	Version  int             `json:"version"`
	SavedAt  time.Time       `json:"saved_at"`
	Checksum string          `json:"checksum"`
	State    json.RawMessage `json:"state"`
}

// Config configures a Store
type Config struct {
	Path     string `yaml:"path"`
	Compress bool   `yaml:"compress"`
	// CompressionLevel is a gzip level, 0 for the default
	CompressionLevel int `yaml:"compression_level"`
}

// Store reads and writes a single state file
type Store struct {
	cfg Config
}

// New creates a store for cfg.Path
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("state path is required")
	}
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = gzip.DefaultCompression
	}
	if cfg.CompressionLevel < gzip.HuffmanOnly || cfg.CompressionLevel > gzip.BestCompression {
		return nil, fmt.Errorf("invalid compression level: %d", cfg.CompressionLevel)
	}
	return &Store{cfg: cfg}, nil
}

// Path returns the state file location
func (s *Store) Path() string {
	return s.cfg.Path
}

// Save writes state atomically: a temp file is synced, then renamed over
// the previous state.
func (s *Store) Save(state State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	sum := sha256.Sum256(payload)
	env := envelope{
		Version:  Version,
		SavedAt:  time.Now().UTC(),
		Checksum: hex.EncodeToString(sum[:]),
		State:    payload,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state envelope: %w", err)
	}
	if s.cfg.Compress {
		if data, err = compress(data, s.cfg.CompressionLevel); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmpPath := s.cfg.Path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.cfg.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	logging.Debug("state saved",
		"reports", len(state.Reports),
		"ledger_entries", len(state.Ledger),
		"bytes", len(data),
		"compressed", s.cfg.Compress,
		"path", s.cfg.Path)
	return nil
}

// Load reads the state file. found is false when no file exists yet.
func (s *Store) Load() (state State, found bool, err error) {
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Debug("no state file found, starting fresh", "path", s.cfg.Path)
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("failed to read state file: %w", err)
	}

	// gzip magic; files written with compression off are plain JSON
	if len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b {
		if data, err = decompress(data); err != nil {
			return State{}, false, err
		}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return State{}, false, fmt.Errorf("failed to decode state envelope: %w", err)
	}
	if env.Version != Version {
		return State{}, false, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	// the envelope is indented on disk; the checksum covers the compact form
	var compact bytes.Buffer
	if err := json.Compact(&compact, env.State); err != nil {
		return State{}, false, fmt.Errorf("failed to decode state: %w", err)
	}
	sum := sha256.Sum256(compact.Bytes())
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return State{}, false, ErrChecksumMismatch
	}
	if err := json.Unmarshal(env.State, &state); err != nil {
		return State{}, false, fmt.Errorf("failed to decode state: %w", err)
	}

	logging.Info("state loaded",
		"reports", len(state.Reports),
		"ledger_entries", len(state.Ledger),
		"saved_at", env.SavedAt)
	return state, true, nil
}

func compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress state: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize compression: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed state: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress state: %w", err)
	}
	return out, nil
}
