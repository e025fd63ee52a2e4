package ratelimiter

import (
	"strings"
	"sync"
)

// SlotLimiter bounds concurrent long-lived streams, globally and per client key.
// A nil *SlotLimiter grants every request.
type SlotLimiter struct {
	maxGlobal    int
	maxPerClient int

	mu       sync.Mutex
	global   int
	byClient map[string]int
}

// NewSlotLimiter returns nil when both bounds are unset.
func NewSlotLimiter(maxGlobal, maxPerClient int) *SlotLimiter {
	if maxGlobal <= 0 && maxPerClient <= 0 {
		return nil
	}
	return &SlotLimiter{
		maxGlobal:    maxGlobal,
		maxPerClient: maxPerClient,
		byClient:     make(map[string]int),
	}
}

// Acquire takes one slot for clientKey. The returned release func is safe to
// call more than once.
func (l *SlotLimiter) Acquire(clientKey string) (func(), bool) {
	if l == nil {
		return func() {}, true
	}
	clientKey = strings.TrimSpace(clientKey)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxGlobal > 0 && l.global >= l.maxGlobal {
		return nil, false
	}
	if l.maxPerClient > 0 && l.byClient[clientKey] >= l.maxPerClient {
		return nil, false
	}
	l.global++
	l.byClient[clientKey]++

	var once sync.Once
	return func() {
		once.Do(func() { l.release(clientKey) })
	}, true
}

// InUse returns the number of held slots.
func (l *SlotLimiter) InUse() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.global
}

func (l *SlotLimiter) release(clientKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.global > 0 {
		l.global--
	}
	next := l.byClient[clientKey] - 1
	if next <= 0 {
		delete(l.byClient, clientKey)
		return
	}
	l.byClient[clientKey] = next
}
