package store

import (
	"fmt"
	"sync"

	"github.com/agentoven/conductor/pkg/models"
)

// KeyedMutex hands out one mutex per key so writes to the same chain are
// serialized while unrelated chains proceed in parallel.
// Entries are reference counted and dropped once no writer holds them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is held and returns the matching unlock func.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len returns the number of keys currently held or waited on.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// checkAppend enforces the chain append rules shared by every backend.
func checkAppend(chain *models.Chain, step *models.ChainStep) error {
	if chain.Status.IsTerminal() {
		return &ErrInvalidTransition{Entity: "chain", Key: chain.ID, From: string(chain.Status), To: "append"}
	}
	if step.StepNumber < 1 {
		return fmt.Errorf("chain %s: step number must be >= 1, got %d", chain.ID, step.StepNumber)
	}
	if last := chain.LastStep(); last != nil && step.StepNumber <= last.StepNumber {
		return fmt.Errorf("chain %s: step number %d not after %d", chain.ID, step.StepNumber, last.StepNumber)
	}
	return nil
}

// checkFinish enforces the single terminal transition of a chain.
func checkFinish(chainID string, from, to models.ChainStatus) error {
	if !to.IsTerminal() || from.IsTerminal() {
		return &ErrInvalidTransition{Entity: "chain", Key: chainID, From: string(from), To: string(to)}
	}
	return nil
}

// checkEscalation enforces pending → forwarded|resolved, forwarded → resolved.
// Rewriting a pending record in place is allowed; forwarded and resolved
// records only move forward.
func checkEscalation(id string, from, to models.EscalationStatus) error {
	if from == to && from == models.EscalationPending {
		return nil
	}
	if !from.CanTransition(to) {
		return &ErrInvalidTransition{Entity: "escalation", Key: id, From: string(from), To: string(to)}
	}
	return nil
}
