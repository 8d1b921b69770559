package services

import "sync"

// ChallengeLocks serializes the operations that touch a given challenge's pool
// (join, settle) across the whole check-then-act sequence, including the
// external ledger call. Different challenges proceed independently. Locks are
// never evicted — one mutex per challenge ever created is cheap.
type ChallengeLocks struct {
	m sync.Map // challengeID -> *sync.Mutex
}

func NewChallengeLocks() *ChallengeLocks {
	return &ChallengeLocks{}
}

func (l *ChallengeLocks) Lock(challengeID int64) func() {
	v, _ := l.m.LoadOrStore(challengeID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
