package tools

import "sync"

// Level is the enforcement applied when a tool call is dispatched.
type Level string

const (
	LevelAuto    Level = "auto"    // execute immediately
	LevelConfirm Level = "confirm" // hold for human approval
	LevelDeny    Level = "deny"    // refuse without executing
)

func ValidLevel(l Level) bool {
	return l == LevelAuto || l == LevelConfirm || l == LevelDeny
}

// Policy maps tool names (and category fallbacks) to enforcement
// levels. It is read at the moment each call is dispatched; changing it
// never affects calls already held for confirmation.
type Policy struct {
	mu         sync.RWMutex
	tools      map[string]Level
	categories map[Category]Level
}

func NewPolicy() *Policy {
	return &Policy{
		tools: make(map[string]Level),
		categories: map[Category]Level{
			CategoryRead:   LevelAuto,
			CategoryEffect: LevelConfirm,
		},
	}
}

// LevelFor resolves the enforcement level for one tool. Per-tool
// entries win over the category default.
func (p *Policy) LevelFor(name string, cat Category) Level {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if l, ok := p.tools[name]; ok {
		return l
	}
	if l, ok := p.categories[cat]; ok {
		return l
	}
	return LevelConfirm
}

// Merge applies a per-tool patch. Unknown levels are ignored rather
// than poisoning the whole patch.
func (p *Policy) Merge(patch map[string]Level) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, l := range patch {
		if !ValidLevel(l) {
			continue
		}
		p.tools[name] = l
	}
}

// Snapshot copies the per-tool overrides, for reporting to clients.
func (p *Policy) Snapshot() map[string]Level {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]Level, len(p.tools))
	for k, v := range p.tools {
		out[k] = v
	}
	return out
}
