package host

import (
	"context"
	"sync"
)

// A Lease is the exclusive claim on a host. All card state changes happen while it is held.
//
// The claim is recursive: a context returned by Claim carries the holder's token, and claiming
// again with that context (or one derived from it) nests instead of deadlocking.
type Lease struct {
	sem chan struct{}

	mu    sync.Mutex
	owner *claimToken
	depth int
}

type claimToken struct{}

type leaseKey struct {
	lease *Lease
}

// NewLease returns an unclaimed lease.
func NewLease() *Lease {
	return &Lease{sem: make(chan struct{}, 1)}
}

// Claim blocks until the lease is acquired or ctx is done. The returned context must be used for
// all work under the claim, and the returned function releases it exactly once.
func (l *Lease) Claim(ctx context.Context) (context.Context, func(), error) {
	if tok, ok := ctx.Value(leaseKey{l}).(*claimToken); ok {
		l.mu.Lock()
		if l.owner == tok {
			l.depth++
			l.mu.Unlock()
			return ctx, l.releaseFunc(), nil
		}
		l.mu.Unlock()
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx, func() {}, ctx.Err()
	}

	tok := &claimToken{}
	l.mu.Lock()
	l.owner = tok
	l.depth = 1
	l.mu.Unlock()
	return context.WithValue(ctx, leaseKey{l}, tok), l.releaseFunc(), nil
}

// Held reports whether ctx carries the current claim.
func (l *Lease) Held(ctx context.Context) bool {
	tok, ok := ctx.Value(leaseKey{l}).(*claimToken)
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner == tok
}

func (l *Lease) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(l.release)
	}
}

func (l *Lease) release() {
	l.mu.Lock()
	l.depth--
	if l.depth > 0 {
		l.mu.Unlock()
		return
	}
	l.owner = nil
	l.mu.Unlock()
	<-l.sem
}
