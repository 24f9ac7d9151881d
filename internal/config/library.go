package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Book is one registered document in the library file. The key is the stable
// identifier clients address queries to; it never changes while the process
// runs. Keys are matched case-insensitively and stored lowercase.
type Book struct {
	Key   string `yaml:"key"`
	Title string `yaml:"title"`
	File  string `yaml:"file"`

	// Optional per-book chunking overrides; zero means use the
	// service-wide defaults.
	ChunkSize    int `yaml:"chunk_size,omitempty"`
	ChunkOverlap int `yaml:"chunk_overlap,omitempty"`
}

// Library is the set of books the server answers questions about. It is
// fixed for the process lifetime; changing it requires a restart.
type Library struct {
	Books []Book `yaml:"books"`
}

// LoadLibrary reads and validates the YAML library file.
func LoadLibrary(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read library file: %w", err)
	}

	var lib Library
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("parse library file: %w", err)
	}
	if len(lib.Books) == 0 {
		return nil, fmt.Errorf("library file %s registers no books", path)
	}

	seen := make(map[string]bool, len(lib.Books))
	for i, b := range lib.Books {
		if b.Key == "" {
			return nil, fmt.Errorf("book %d: key is required", i)
		}
		b.Key = strings.ToLower(b.Key)
		lib.Books[i].Key = b.Key
		if b.Title == "" {
			return nil, fmt.Errorf("book %q: title is required", b.Key)
		}
		if b.File == "" {
			return nil, fmt.Errorf("book %q: file is required", b.Key)
		}
		if seen[b.Key] {
			return nil, fmt.Errorf("duplicate book key %q", b.Key)
		}
		seen[b.Key] = true
		if b.ChunkSize != 0 || b.ChunkOverlap != 0 {
			if b.ChunkSize <= 0 || b.ChunkOverlap <= 0 || b.ChunkOverlap >= b.ChunkSize {
				return nil, fmt.Errorf("book %q: chunk_overlap must be in (0, chunk_size)", b.Key)
			}
		}
	}
	return &lib, nil
}
