// Package chunkstore persists per-page extraction results as individually
// compressed records so a multi-hundred-page crawl never accumulates page
// content in memory.
package chunkstore

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/sitescore/auditor/internal/audit"
)

// ErrNotFound is returned by Get for keys that were never written. Callers
// probe optimistically, so this is a result, not a failure.
var ErrNotFound = errors.New("chunk not found")

const chunkSuffix = ".json.gz"

// Keys are hex SHA-256 digests; anything else is rejected before touching
// the filesystem.
var validKey = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Key derives the chunk key for a normalized page URL.
func Key(normalizedURL string) string {
	sum := sha256.Sum256([]byte(normalizedURL))
	return hex.EncodeToString(sum[:])
}

// LocalConfig captures the parameters for the filesystem chunk store.
type LocalConfig struct {
	// BaseDir is the root under which per-audit directories are created.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// AuditID partitions this store's namespace from concurrent audits.
	AuditID string
}

// Local stores chunks as gzip-compressed JSON files, one per page, inside
// an audit-scoped directory.
type Local struct {
	dir string
}

// NewLocal creates the audit directory and validates it is writable.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if strings.TrimSpace(cfg.AuditID) == "" {
		return nil, fmt.Errorf("audit id is required")
	}
	if strings.ContainsAny(cfg.AuditID, `/\`) {
		return nil, fmt.Errorf("audit id must not contain path separators")
	}

	dir := filepath.Join(cfg.BaseDir, cfg.AuditID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	testFile := filepath.Join(dir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("audit directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("clean up writability probe: %w", err)
	}

	return &Local{dir: dir}, nil
}

// Dir returns the audit-scoped directory backing this store.
func (s *Local) Dir() string {
	return s.dir
}

// Put serializes, compresses and atomically writes one chunk. The record
// lands under its final name only after a complete write, so a crash never
// leaves a partial chunk visible to readers.
func (s *Local) Put(_ context.Context, key string, chunk audit.PageChunk) error {
	if !validKey.MatchString(key) {
		return fmt.Errorf("invalid chunk key %q", key)
	}

	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "chunk-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp chunk: %w", err)
	}
	tmpName := tmp.Name()

	zw := gzip.NewWriter(tmp)
	if _, err := zw.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("compress chunk: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("flush gzip stream: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp chunk: %w", err)
	}

	final := filepath.Join(s.dir, key+chunkSuffix)
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("publish chunk: %w", err)
	}
	return nil
}

// Get decompresses and deserializes one chunk on demand.
func (s *Local) Get(_ context.Context, key string) (audit.PageChunk, error) {
	if !validKey.MatchString(key) {
		return audit.PageChunk{}, fmt.Errorf("invalid chunk key %q", key)
	}

	f, err := os.Open(filepath.Join(s.dir, key+chunkSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return audit.PageChunk{}, fmt.Errorf("chunk %s: %w", key, ErrNotFound)
		}
		return audit.PageChunk{}, fmt.Errorf("open chunk: %w", err)
	}
	defer func() { _ = f.Close() }()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return audit.PageChunk{}, fmt.Errorf("open gzip stream: %w", err)
	}
	defer func() { _ = zr.Close() }()

	var chunk audit.PageChunk
	if err := json.NewDecoder(zr).Decode(&chunk); err != nil {
		return audit.PageChunk{}, fmt.Errorf("decode chunk: %w", err)
	}
	return chunk, nil
}

// Keys enumerates all chunk keys written for this audit, sorted.
func (s *Local) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read audit directory: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, chunkSuffix) {
			continue
		}
		key := strings.TrimSuffix(name, chunkSuffix)
		if validKey.MatchString(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
