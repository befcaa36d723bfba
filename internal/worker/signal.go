package worker

import "sync/atomic"

// Signal is the cooperative control pair for one worker: pause idles
// the loop, stop exits it. The controller flips the flags; the worker
// re-reads them before each batch and before each file.
type Signal struct {
	pause atomic.Bool
	stop  atomic.Bool
}

func NewSignal() *Signal { return &Signal{} }

func (s *Signal) Pause()  { s.pause.Store(true) }
func (s *Signal) Resume() { s.pause.Store(false) }
func (s *Signal) Stop()   { s.stop.Store(true) }

func (s *Signal) Paused() bool  { return s.pause.Load() }
func (s *Signal) Stopped() bool { return s.stop.Load() }
