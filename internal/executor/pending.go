package executor

import "sync"

// PendingSet tracks (strategy, listing) pairs that have an execution in
// flight or already settled this run. It is safe for concurrent use.
type PendingSet struct {
	seen map[string]struct{}
	mu   sync.Mutex
}

// NewPendingSet creates an empty PendingSet.
func NewPendingSet() *PendingSet {
	return &PendingSet{seen: make(map[string]struct{})}
}

func pairKey(strategyID, listingID string) string {
	return strategyID + ":" + listingID
}

// Mark records the pair. It returns false if the pair was already marked,
// which means another dispatch claimed it first.
func (p *PendingSet) Mark(strategyID, listingID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := pairKey(strategyID, listingID)
	if _, ok := p.seen[key]; ok {
		return false
	}
	p.seen[key] = struct{}{}
	return true
}

// Unmark releases the pair so a later tick may retry it.
func (p *PendingSet) Unmark(strategyID, listingID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seen, pairKey(strategyID, listingID))
}

// Contains reports whether the pair is currently marked.
func (p *PendingSet) Contains(strategyID, listingID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seen[pairKey(strategyID, listingID)]
	return ok
}

// Clear drops every marker.
func (p *PendingSet) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = make(map[string]struct{})
}

// Len returns the number of marked pairs.
func (p *PendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}
