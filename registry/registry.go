// Package registry holds the authoritative {token -> plan-ids} mapping
// the Feed Manager subscribes against, modeled on the teacher's
// lpmanager.Registry: a single mutex-guarded map with short,
// non-blocking operations that return side effects as values instead
// of invoking them under lock (spec.md §4.3).
package registry

import (
	"sync"

	"github.com/dhanstream/marketfeed/vendorproto"
)

// Entry is one token's registry row.
type Entry struct {
	Token    int64
	Symbol   string
	Exchange vendorproto.ExchangeSegment
	PlanIDs  map[string]struct{}
}

// SubscribeDelta and UnsubscribeDelta are the side effects Add/Remove
// yield; the caller (the Feed Manager) is responsible for turning them
// into outbound vendor frames.
type SubscribeDelta struct {
	Token    int64
	Symbol   string
	Exchange vendorproto.ExchangeSegment
}

type UnsubscribeDelta struct {
	Token    int64
	Symbol   string
	Exchange vendorproto.ExchangeSegment
}

// Registry is the subscription table, guarded by one sync.Mutex. Reads
// (Snapshot, PlanIDsFor, TokenForSymbol) take the same exclusive lock
// as writes.
type Registry struct {
	mu sync.Mutex

	byToken map[int64]*Entry
	// planToken tracks the single token a plan-id is currently bound
	// to, enforcing the "a plan-id appears in at most one token's
	// plan-set at a time" invariant (spec.md §3).
	planToken map[string]int64
	symbolToToken map[string]int64
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byToken:       make(map[int64]*Entry),
		planToken:     make(map[string]int64),
		symbolToToken: make(map[string]int64),
	}
}

// Add binds planID to token, creating the token's entry if absent. It
// returns a non-nil *SubscribeDelta iff the token was newly
// subscribed. If planID was previously bound to a different token,
// that binding is moved (the old token is unsubscribed if it becomes
// empty).
func (r *Registry) Add(planID string, token int64, symbol string, exchange vendorproto.ExchangeSegment) (*SubscribeDelta, *UnsubscribeDelta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var freed *UnsubscribeDelta
	if prevToken, ok := r.planToken[planID]; ok && prevToken != token {
		freed = r.removeLocked(planID, prevToken)
	}

	entry, exists := r.byToken[token]
	var sub *SubscribeDelta
	if !exists {
		entry = &Entry{
			Token:    token,
			Symbol:   symbol,
			Exchange: exchange,
			PlanIDs:  make(map[string]struct{}),
		}
		r.byToken[token] = entry
		r.symbolToToken[symbol] = token
		sub = &SubscribeDelta{Token: token, Symbol: symbol, Exchange: exchange}
	}

	entry.PlanIDs[planID] = struct{}{}
	r.planToken[planID] = token

	return sub, freed
}

// Remove unbinds planID from whatever token it holds. It returns a
// non-nil *UnsubscribeDelta iff that token's plan set became empty.
func (r *Registry) Remove(planID string) *UnsubscribeDelta {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.planToken[planID]
	if !ok {
		return nil
	}
	return r.removeLocked(planID, token)
}

// removeLocked must be called with r.mu held.
func (r *Registry) removeLocked(planID string, token int64) *UnsubscribeDelta {
	entry, ok := r.byToken[token]
	if !ok {
		delete(r.planToken, planID)
		return nil
	}

	delete(entry.PlanIDs, planID)
	delete(r.planToken, planID)

	if len(entry.PlanIDs) > 0 {
		return nil
	}

	delete(r.byToken, token)
	delete(r.symbolToToken, entry.Symbol)
	return &UnsubscribeDelta{Token: token, Symbol: entry.Symbol, Exchange: entry.Exchange}
}

// PlanIDsFor returns a snapshot slice of the plan-ids bound to token.
func (r *Registry) PlanIDsFor(token int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byToken[token]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(entry.PlanIDs))
	for id := range entry.PlanIDs {
		ids = append(ids, id)
	}
	return ids
}

// SymbolEntry looks up the registry row for a token, the mapping the
// Tick Dispatcher needs to resolve a decoded token back to a symbol.
func (r *Registry) SymbolEntry(token int64) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byToken[token]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(entry), true
}

// TokenForSymbol resolves the bidirectional symbol -> token index.
func (r *Registry) TokenForSymbol(symbol string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.symbolToToken[symbol]
	return token, ok
}

// Snapshot groups every currently registered token by exchange
// segment, the shape Feed Manager composes subscribe frames from.
func (r *Registry) Snapshot() map[vendorproto.ExchangeSegment][]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[vendorproto.ExchangeSegment][]int64)
	for token, entry := range r.byToken {
		out[entry.Exchange] = append(out[entry.Exchange], token)
	}
	return out
}

// Len reports the number of distinct subscribed tokens.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byToken)
}

func cloneEntry(e *Entry) Entry {
	ids := make(map[string]struct{}, len(e.PlanIDs))
	for id := range e.PlanIDs {
		ids[id] = struct{}{}
	}
	return Entry{Token: e.Token, Symbol: e.Symbol, Exchange: e.Exchange, PlanIDs: ids}
}
