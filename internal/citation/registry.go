package citation

import "sync"

// Registry remembers the most recently served citations so clients can fetch
// a citation's full record by id. Ids are per (file, rank), so a newer answer
// replaces the entry of an older one.
type Registry struct {
	mu    sync.RWMutex
	max   int
	byID  map[string]Citation
	order []string
}

// NewRegistry keeps at most max citations (1024 when max <= 0).
func NewRegistry(max int) *Registry {
	if max <= 0 {
		max = 1024
	}
	return &Registry{max: max, byID: make(map[string]Citation)}
}

func (r *Registry) Put(cs ...Citation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cs {
		if _, ok := r.byID[c.CitationID]; !ok {
			r.order = append(r.order, c.CitationID)
		}
		r.byID[c.CitationID] = c
	}
	for len(r.order) > r.max {
		delete(r.byID, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *Registry) Get(id string) (Citation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// ForgetFile drops every citation of fileID.
func (r *Registry) ForgetFile(fileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.order[:0]
	for _, id := range r.order {
		if r.byID[id].FileID == fileID {
			delete(r.byID, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}
