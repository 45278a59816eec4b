package pipeline

import "sync"

// State is the interface that all pipeline states implement
type State interface {
	Name() string
}

// StateRecorder tracks state transitions for testing. One recorder may be
// shared by concurrent pipelines; paths are kept per table.
type StateRecorder struct {
	mu    sync.Mutex
	paths map[string][]string
}

func NewStateRecorder() *StateRecorder {
	return &StateRecorder{paths: make(map[string][]string)}
}

func (r *StateRecorder) Record(tableID string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[tableID] = append(r.paths[tableID], state.Name())
}

// Path returns the states table went through, initial state included
func (r *StateRecorder) Path(tableID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths[tableID]...)
}
