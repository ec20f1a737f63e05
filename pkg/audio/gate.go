package audio

import "sync/atomic"

// Gate is the always-current shared cell consulted for every capture block.
// The session controller flips Connected; the user flips Muted. Readers never
// hold a copy: they call Open on each block.
type Gate struct {
	connected atomic.Bool
	muted     atomic.Bool
}

// NewGate returns a closed, unmuted gate.
func NewGate() *Gate {
	return &Gate{}
}

// SetConnected records whether a live session is accepting audio.
func (g *Gate) SetConnected(v bool) {
	g.connected.Store(v)
}

// Connected reports the session flag.
func (g *Gate) Connected() bool {
	return g.connected.Load()
}

// SetMuted records the microphone mute flag.
func (g *Gate) SetMuted(v bool) {
	g.muted.Store(v)
}

// Muted reports the microphone mute flag.
func (g *Gate) Muted() bool {
	return g.muted.Load()
}

// ToggleMute flips the mute flag and returns the new value.
func (g *Gate) ToggleMute() bool {
	for {
		old := g.muted.Load()
		if g.muted.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// Open reports whether a block captured now should be sent.
func (g *Gate) Open() bool {
	return g.connected.Load() && !g.muted.Load()
}
