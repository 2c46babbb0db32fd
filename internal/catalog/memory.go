package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local catalog used when no database is configured.
type Memory struct {
	mu    sync.Mutex
	next  int64
	files map[string]File
}

func NewMemory() *Memory {
	return &Memory{files: make(map[string]File)}
}

func (m *Memory) Add(_ context.Context, fileName, randomName string, pages int) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[randomName]; ok {
		return File{}, fmt.Errorf("add file %s: duplicate random_name", randomName)
	}
	m.next++
	f := File{ID: m.next, FileName: fileName, RandomName: randomName, UploadTime: time.Now().UTC(), Pages: pages}
	m.files[randomName] = f
	return f, nil
}

func (m *Memory) Get(_ context.Context, randomName string) (File, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[randomName]
	return f, ok, nil
}

func (m *Memory) List(context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	files := make([]File, 0, len(m.files))
	for _, f := range m.files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	out := make([]Entry, len(files))
	for i, f := range files {
		out[i] = Entry{FileName: f.FileName, RandomName: f.RandomName}
	}
	return out, nil
}

func (m *Memory) MarkParsed(_ context.Context, randomName string, pages int) error {
	return m.update(randomName, func(f *File) {
		now := time.Now().UTC()
		f.IsParsed, f.ParseTime, f.Pages = true, &now, pages
	})
}

func (m *Memory) MarkIndexed(_ context.Context, randomName string) error {
	return m.update(randomName, func(f *File) {
		now := time.Now().UTC()
		f.IsIndexed, f.IndexTime = true, &now
	})
}

func (m *Memory) update(randomName string, fn func(*File)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[randomName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, randomName)
	}
	fn(&f)
	m.files[randomName] = f
	return nil
}
