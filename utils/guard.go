// Package utils holds small helpers shared by the engine packages.
package utils

// Guard undoes a partly completed bring-up when it returns early. Init arms one to forget the
// half-built card record unless every step succeeds:
//
//	guard := utils.NewGuard(func() { s.Card = nil })
//	defer guard.OnFail()
//	if err := step(ctx); err != nil {
//		return err
//	}
//	guard.Success()
type Guard struct {
	cleanup func()
	settled bool
}

// NewGuard arms cleanup.
func NewGuard(cleanup func()) *Guard {
	return &Guard{cleanup: cleanup}
}

// OnFail runs the cleanup unless Success was called first. The cleanup runs at most once.
func (g *Guard) OnFail() {
	if g.settled {
		return
	}
	g.settled = true
	g.cleanup()
}

// Success disarms the guard.
func (g *Guard) Success() {
	g.settled = true
}
