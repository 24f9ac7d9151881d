// Package indexcache persists built indexes (chunks + embedding vectors) so
// unchanged books are not re-embedded on restart.
//
// Each document key owns one file under the cache directory. An entry is
// valid only if its stored fingerprint matches the one computed for the
// current configuration; anything else (missing file, decode failure,
// truncated write) is a miss, never an error surfaced to the caller.
package indexcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"bookqa/internal/segment"
)

// SchemaVersion is folded into every fingerprint. Bumping it invalidates all
// existing cache entries, so on-disk format changes never need a manual wipe.
const SchemaVersion = 1

// Fingerprint derives the cache-validity key for one build configuration.
// Two builds with the same fingerprint must be content-equivalent.
func Fingerprint(contentHash string, chunkSize, overlap int, embedModel string) string {
	h := sha256.New()
	fmt.Fprintf(h, "v%d\x00%s\x00%d\x00%d\x00%s", SchemaVersion, contentHash, chunkSize, overlap, embedModel)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash hashes extracted document text for use in Fingerprint.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Entry is the persisted payload for one document.
type Entry struct {
	SchemaVersion int             `json:"schema_version"`
	Fingerprint   string          `json:"fingerprint"`
	Chunks        []segment.Chunk `json:"chunks"`
	Vectors       [][]float32     `json:"vectors"`
}

// Cache stores entries as zstd-compressed JSON files, one per document key.
type Cache struct {
	dir string
	log *slog.Logger
}

func New(dir string, log *slog.Logger) *Cache {
	return &Cache{dir: dir, log: log}
}

// Load returns the cached entry for key if its fingerprint matches.
// A miss for any reason returns (nil, false).
func (c *Cache) Load(key, fingerprint string) (*Entry, bool) {
	path := c.entryPath(key)

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("cache read failed, treating as miss", "key", key, "error", err)
		}
		return nil, false
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		c.log.Warn("zstd reader init failed, treating as miss", "key", key, "error", err)
		return nil, false
	}
	defer dec.Close()

	data, err := dec.DecodeAll(raw, nil)
	if err != nil {
		c.log.Warn("cache entry corrupt, treating as miss", "key", key, "error", err)
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.log.Warn("cache entry undecodable, treating as miss", "key", key, "error", err)
		return nil, false
	}

	if entry.SchemaVersion != SchemaVersion || entry.Fingerprint != fingerprint {
		return nil, false
	}
	if len(entry.Chunks) != len(entry.Vectors) {
		c.log.Warn("cache entry inconsistent, treating as miss",
			"key", key, "chunks", len(entry.Chunks), "vectors", len(entry.Vectors))
		return nil, false
	}
	return &entry, true
}

// Store writes an entry for key, superseding any previous entry. The write
// goes through a temp file and rename so readers never observe a partial
// entry; concurrent writers for the same key resolve last-writer-wins.
func (c *Cache) Store(key, fingerprint string, chunks []segment.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunk/vector count mismatch: %d vs %d", len(chunks), len(vectors))
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	data, err := json.Marshal(Entry{
		SchemaVersion: SchemaVersion,
		Fingerprint:   fingerprint,
		Chunks:        chunks,
		Vectors:       vectors,
	})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("zstd writer init: %w", err)
	}
	compressed := enc.EncodeAll(data, nil)
	enc.Close()

	tmp, err := os.CreateTemp(c.dir, "entry-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp entry: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp entry: %w", err)
	}
	if err := os.Rename(tmpPath, c.entryPath(key)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp entry: %w", err)
	}
	return nil
}

func (c *Cache) entryPath(key string) string {
	// Keys come from the library file; sanitize anyway so a key can never
	// escape the cache directory.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(c.dir, safe+".index.zst")
}
