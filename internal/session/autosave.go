package session

import (
	"sync"
	"time"
)

// AutoSaver debounces editor changes into AutoSave calls.
// Failed writes are logged and retried on the next trigger.
type AutoSaver struct {
	s     *Session
	delay time.Duration

	mu      sync.Mutex // guards timer, text and pending
	timer   *time.Timer
	text    string
	pending bool

	runMu sync.Mutex // serialises writes
}

// NewAutoSaver creates an autosaver that writes delay after the last trigger
func (s *Session) NewAutoSaver(delay time.Duration) *AutoSaver {
	return &AutoSaver{s: s, delay: delay}
}

// Trigger records the latest editor text and restarts the delay
func (a *AutoSaver) Trigger(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.text = text
	a.pending = true

	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.delay, func() {
		_ = a.run()
	})
}

// Flush writes any pending text now
func (a *AutoSaver) Flush() error {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
	return a.run()
}

// Stop cancels a pending write
func (a *AutoSaver) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.pending = false
}

func (a *AutoSaver) run() error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	a.mu.Lock()
	if !a.pending {
		a.mu.Unlock()
		return nil
	}
	text := a.text
	a.pending = false
	a.mu.Unlock()

	if err := a.s.AutoSave(text); err != nil {
		a.s.logger.Warn("autosave failed, will retry on next change", "error", err)
		a.mu.Lock()
		// keep newer text if it arrived meanwhile
		if !a.pending {
			a.text = text
			a.pending = true
		}
		a.mu.Unlock()
		return err
	}
	a.s.logger.Debug("autosaved active file")
	return nil
}
