package access

import "log"

// LogSink is the default EventSink: plain log.Printf with a bracketed tag,
// matching go-pugleaf's own logging idiom throughout internal/nntp.
type LogSink struct{}

func (LogSink) Observe(e ObservabilityEvent) {
	log.Printf("[ACCESS] server=%s action=%s group=%s message_id=%s priority=%s coalesced=%t duration_ms=%d outcome=%s",
		e.Server, e.Action, e.Group, e.MessageID, e.Priority, e.Coalesced, e.DurationMS, e.Outcome)
}

func (LogSink) Refresh(e RefreshEvent) {
	log.Printf("[REFRESH] group=%s rps=%.3f period_ms=%d new_articles=%d", e.Group, e.RPS, e.PeriodMS, e.NewArticles)
}

func (LogSink) Cache(e CacheEvent) {
	status := "miss"
	if e.Hit {
		status = "hit"
	}
	log.Printf("[CACHE] cache=%s key=%s %s", e.Cache, e.Key, status)
}
