package serf

// userCoalescer is the tagged coalescable kind for opt-in user events: only
// events whose sender set Coalesce participate. Events are keyed by name
// and the highest observed LTime wins; a tie resolves to whichever payload
// was folded in most recently, which keeps Coalesce a pure prev/next
// reduction instead of accumulating a list of same-time variants.
type userCoalescer struct{}

func (userCoalescer) Handle(e Event) bool {
	ue, ok := e.(UserEvent)
	return ok && ue.Coalesce
}

func (userCoalescer) Key(e Event) string {
	return e.(UserEvent).Name
}

func (userCoalescer) Coalesce(prev, next Event) Event {
	if prev == nil {
		return next
	}
	if prev.(UserEvent).LTime > next.(UserEvent).LTime {
		return prev
	}
	return next
}
