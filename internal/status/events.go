package status

import "time"

// appendLocked appends an event to the log. Callers must hold t.mu. The
// event log is append-only and totally ordered by monotone sequence number
// per run.
func (t *Tracker) appendLocked(typ, source, subject string, attrs map[string]any) {
	t.seq++
	t.events = append(t.events, Event{
		Seq:       t.seq,
		Type:      typ,
		Source:    source,
		Subject:   subject,
		Attrs:     attrs,
		Timestamp: time.Now(),
	})
}

// RecordEvent appends an arbitrary event to the log, for callers (Bus,
// Decision Engine) outside this package that need to contribute to the
// shared event stream.
func (t *Tracker) RecordEvent(typ, source, subject string, attrs map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendLocked(typ, source, subject, attrs)
}

// EventsSince returns a lazy, finite, non-restartable iterator over events
// with Seq greater than the event identified by afterSeq. Each call to the
// returned function yields the next event in order; the second return value
// is false once the snapshot taken at call time is exhausted. Events
// appended after EventsSince was called are not observed by that iterator —
// callers needing a live view must call EventsSince again.
func (t *Tracker) EventsSince(afterSeq int) func() (Event, bool) {
	t.mu.Lock()
	snapshot := make([]Event, 0, len(t.events))
	for _, e := range t.events {
		if e.Seq > afterSeq {
			snapshot = append(snapshot, e)
		}
	}
	t.mu.Unlock()
	i := 0
	return func() (Event, bool) {
		if i >= len(snapshot) {
			return Event{}, false
		}
		e := snapshot[i]
		i++
		return e, true
	}
}
