package keystate

import (
	"sync"
	"time"
)

// minuteWindow is a fixed calendar-minute admission counter. The count resets
// when the wall clock crosses a minute boundary; a rejected caller can retry
// once the boundary passes.
type minuteWindow struct {
	mu     sync.Mutex
	minute int64 // unix time / 60
	count  int64
}

func (w *minuteWindow) tryAcquire(limit int64, now time.Time) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	minute := now.Unix() / 60
	if w.minute != minute {
		w.minute = minute
		w.count = 0
	}
	if w.count < limit {
		w.count++
		return true, 0
	}

	wait := time.Duration(60-(now.Unix()%60)) * time.Second
	if wait <= 0 {
		wait = time.Second
	}
	return false, wait
}

// windowSet manages per-subject minute windows.
type windowSet struct {
	mu      sync.RWMutex
	windows map[string]*minuteWindow
}

func newWindowSet() *windowSet {
	return &windowSet{windows: make(map[string]*minuteWindow)}
}

func (ws *windowSet) tryAcquire(subject string, limit int64, now time.Time) (bool, time.Duration) {
	if limit <= 0 {
		return true, 0
	}

	ws.mu.RLock()
	w, ok := ws.windows[subject]
	ws.mu.RUnlock()
	if !ok {
		ws.mu.Lock()
		if w, ok = ws.windows[subject]; !ok {
			w = &minuteWindow{}
			ws.windows[subject] = w
		}
		ws.mu.Unlock()
	}
	return w.tryAcquire(limit, now)
}

// evictStale removes windows whose last active minute is before cutoff.
func (ws *windowSet) evictStale(cutoff time.Time) int {
	cutoffMinute := cutoff.Unix() / 60

	ws.mu.RLock()
	var stale []string
	for k, w := range ws.windows {
		w.mu.Lock()
		old := w.minute < cutoffMinute
		w.mu.Unlock()
		if old {
			stale = append(stale, k)
		}
	}
	ws.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	evicted := 0
	for _, k := range stale {
		if w, ok := ws.windows[k]; ok {
			w.mu.Lock()
			old := w.minute < cutoffMinute
			w.mu.Unlock()
			if old {
				delete(ws.windows, k)
				evicted++
			}
		}
	}
	return evicted
}
