package router

import "time"

// setProcessingLocked marks name as busy from now until its next SEND or
// the configured processing timeout, whichever comes first. MUST be
// called with r.mu held; it notifies the observer synchronously before
// returning, so observers must not call back into the router.
func (r *Router) setProcessingLocked(name, messageID string) {
	r.clearProcessingLocked(name)
	entry := &processingEntry{startedAt: r.nowFn(), messageID: messageID}
	entry.timer = time.AfterFunc(r.cfg.ProcessingTimeout, func() {
		r.mu.Lock()
		cur, ok := r.processing[name]
		sameEntry := ok && cur == entry
		if sameEntry {
			delete(r.processing, name)
		}
		obs := r.observer
		r.metrics.SetProcessing(len(r.processing))
		r.mu.Unlock()
		if sameEntry && obs != nil {
			obs.OnChange(name, false)
		}
	})
	r.processing[name] = entry
	r.metrics.SetProcessing(len(r.processing))
	if r.observer != nil {
		r.observer.OnChange(name, true)
	}
}

// clearProcessing removes name's processing state, if any, cancelling its
// timeout timer.
func (r *Router) clearProcessing(name string) {
	r.mu.Lock()
	existed := r.clearProcessingLocked(name)
	obs := r.observer
	r.metrics.SetProcessing(len(r.processing))
	r.mu.Unlock()
	if existed && obs != nil {
		obs.OnChange(name, false)
	}
}

// clearProcessingLocked removes the entry and stops its timer. MUST be
// called with r.mu held. Returns whether an entry existed.
func (r *Router) clearProcessingLocked(name string) bool {
	entry, ok := r.processing[name]
	if !ok {
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(r.processing, name)
	return true
}

// IsProcessing reports whether name currently owes a response.
func (r *Router) IsProcessing(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.processing[name]
	return ok
}
