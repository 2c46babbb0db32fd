package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/mohammad-safakhou/docqa/internal/chunk"
	"github.com/mohammad-safakhou/docqa/internal/workspace"
)

const (
	currentFile = "CURRENT"
	metaFile    = "meta.json"
	chunksFile  = "chunks.json"
	vectorsFile = "vectors.json"
	genPrefix   = "gen-"
)

// Meta describes a persisted index generation.
type Meta struct {
	FileID    string    `json:"file_id"`
	Chunks    int       `json:"chunks"`
	Dimension int       `json:"dimension"`
	Embedder  string    `json:"embedder,omitempty"`
	BuiltAt   time.Time `json:"built_at"`
}

// Index is one file's dense vectors and sparse term source, both aligned on
// the same chunk ordinal.
type Index struct {
	Meta    Meta
	Chunks  []chunk.Chunk
	Vectors [][]float32
}

// Store persists indices as generations under data/{fileId}/index. A CURRENT
// pointer file names the live generation and is replaced with a rename, so a
// reader sees either the previous index or the new one.
type Store struct {
	layout workspace.Layout
}

func NewStore(layout workspace.Layout) *Store { return &Store{layout: layout} }

func (s *Store) current(fileID string) (string, error) {
	b, err := os.ReadFile(filepath.Join(s.layout.IndexDir(fileID), currentFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", newError(CodeNotFound, fmt.Errorf("no index for %s", fileID))
		}
		return "", err
	}
	gen := strings.TrimSpace(string(b))
	if !strings.HasPrefix(gen, genPrefix) || strings.ContainsAny(gen, `/\`) {
		return "", newError(CodeNotFound, fmt.Errorf("corrupt index pointer for %s", fileID))
	}
	return filepath.Join(s.layout.IndexDir(fileID), gen), nil
}

// Exists reports whether fileID has a live index.
func (s *Store) Exists(fileID string) bool {
	_, err := s.current(fileID)
	return err == nil
}

// Load reads the live index of fileID. It fails with ErrNotFound when none
// has been built.
func (s *Store) Load(fileID string) (*Index, error) {
	dir, err := s.current(fileID)
	if err != nil {
		return nil, err
	}
	idx := &Index{}
	if err := readJSON(filepath.Join(dir, metaFile), &idx.Meta); err != nil {
		return nil, notFoundIfMissing(fileID, err)
	}
	if err := readJSON(filepath.Join(dir, chunksFile), &idx.Chunks); err != nil {
		return nil, notFoundIfMissing(fileID, err)
	}
	if err := readJSON(filepath.Join(dir, vectorsFile), &idx.Vectors); err != nil {
		return nil, notFoundIfMissing(fileID, err)
	}
	if len(idx.Vectors) != len(idx.Chunks) {
		return nil, fmt.Errorf("index %s: %d vectors for %d chunks", fileID, len(idx.Vectors), len(idx.Chunks))
	}
	return idx, nil
}

// Save writes idx as a new generation and makes it live. The previous
// generation is kept until the next save so in-flight readers can finish.
func (s *Store) Save(fileID string, idx *Index) error {
	if len(idx.Chunks) == 0 {
		return newError(CodeEmptyMarkdown, fmt.Errorf("refusing to persist empty index for %s", fileID))
	}
	root := s.layout.IndexDir(fileID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	gen := fmt.Sprintf("%s%d", genPrefix, time.Now().UnixNano())
	dir := filepath.Join(root, gen)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return fmt.Errorf("create generation: %w", err)
	}
	for name, v := range map[string]any{metaFile: idx.Meta, chunksFile: idx.Chunks, vectorsFile: idx.Vectors} {
		if err := writeJSON(filepath.Join(dir, name), v); err != nil {
			_ = os.RemoveAll(dir)
			return err
		}
	}
	prev, _ := s.current(fileID)
	tmp := filepath.Join(root, currentFile+".tmp")
	if err := os.WriteFile(tmp, []byte(gen), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("write index pointer: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(root, currentFile)); err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("swap index pointer: %w", err)
	}
	s.prune(root, gen, filepath.Base(prev))
	return nil
}

func (s *Store) prune(root string, keep ...string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), genPrefix) || slices.Contains(keep, e.Name()) {
			continue
		}
		_ = os.RemoveAll(filepath.Join(root, e.Name()))
	}
}

func notFoundIfMissing(fileID string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return newError(CodeNotFound, fmt.Errorf("index for %s is incomplete: %w", fileID, err))
	}
	return err
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
