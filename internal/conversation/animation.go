package conversation

// animations owns the one-shot "new message" flags. A key is flagged at most
// once in the life of a Session; promotion moves an unconsumed flag to the
// server key instead of raising a second one.
type animations struct {
	seen    map[string]bool
	pending map[string]bool
}

func newAnimations() *animations {
	return &animations{seen: make(map[string]bool), pending: make(map[string]bool)}
}

func (a *animations) markNew(key string) {
	if a.seen[key] {
		return
	}
	a.seen[key] = true
	a.pending[key] = true
}

// markSeen records key without a flag, for history.
func (a *animations) markSeen(key string) { a.seen[key] = true }

func (a *animations) rekey(oldKey, newKey string) {
	if a.pending[oldKey] {
		delete(a.pending, oldKey)
		if !a.seen[newKey] {
			a.pending[newKey] = true
		}
	}
	a.seen[newKey] = true
}

func (a *animations) consume(key string) bool {
	if !a.pending[key] {
		return false
	}
	delete(a.pending, key)
	return true
}

func (a *animations) forget(key string) { delete(a.pending, key) }
