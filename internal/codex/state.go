package codex

import "sync"

// State is the bridge lifecycle.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

type reasoningEntry struct {
	buffer   []byte
	sequence int
}

// reasoningBuffers accumulates streamed reasoning per submission id.
type reasoningBuffers struct {
	mu sync.Mutex
	m  map[string]*reasoningEntry
}

func newReasoningBuffers() *reasoningBuffers {
	return &reasoningBuffers{m: make(map[string]*reasoningEntry)}
}

// register installs an empty buffer for id, replacing any previous one.
func (r *reasoningBuffers) register(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[id] = &reasoningEntry{}
}

// append adds chunk to id's buffer and returns the chunk's sequence number
// and the cumulative text. The buffer is removed when done is set.
func (r *reasoningBuffers) append(id, chunk string, done bool) (int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.m[id]
	if !ok {
		entry = &reasoningEntry{}
		r.m[id] = entry
	}
	entry.sequence++
	entry.buffer = append(entry.buffer, chunk...)
	seq, full := entry.sequence, string(entry.buffer)
	if done {
		delete(r.m, id)
	}
	return seq, full
}

func (r *reasoningBuffers) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.m[id]
	return ok
}

func (r *reasoningBuffers) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.m)
}

// PermissionKind is the action a pending permission guards.
type PermissionKind int

const (
	PermissionExec PermissionKind = iota
	PermissionPatch
)

type permissionContext struct {
	submissionID string
	kind         PermissionKind
}

// pendingPermissions holds unanswered approval requests. Entries are single use.
type pendingPermissions struct {
	mu sync.Mutex
	m  map[string]permissionContext
}

func newPendingPermissions() *pendingPermissions {
	return &pendingPermissions{m: make(map[string]permissionContext)}
}

func (p *pendingPermissions) put(id string, ctx permissionContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[id] = ctx
}

func (p *pendingPermissions) take(id string) (permissionContext, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, ok := p.m[id]
	if ok {
		delete(p.m, id)
	}
	return ctx, ok
}

func (p *pendingPermissions) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.m))
	for id := range p.m {
		out = append(out, id)
	}
	return out
}

func (p *pendingPermissions) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.m)
}

// pendingEdits maps a tool call id to the edit ids proposed for it.
type pendingEdits struct {
	mu sync.Mutex
	m  map[string][]string
}

func newPendingEdits() *pendingEdits {
	return &pendingEdits{m: make(map[string][]string)}
}

func (p *pendingEdits) put(callID string, ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[callID] = ids
}

func (p *pendingEdits) pop(callID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.m[callID]
	delete(p.m, callID)
	return ids
}

func (p *pendingEdits) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.m)
}
