package access

import (
	"time"

	"github.com/go-while/ng-gateway/internal/config"
)

// ArticleView is the parsed article handed back across the downstream
// interface, charset-normalized and header-split.
type ArticleView struct {
	MessageID string
	Headers   map[string][]string
	Body      string
	Bytes     int
	Lines     int
}

// Overview is one row of a group's overview data, the access-layer analogue
// of an OVER/XOVER line plus its parsed References chain.
type Overview struct {
	ArticleNum int64
	MessageID  string
	Subject    string
	From       string
	Date       string
	DateTime   time.Time
	References []string
	Bytes      int64
	Lines      int64
}

// ThreadView is a single thread rooted at RootMessageID. Threads built by
// mergeCachedThreads hold the root and its replies in arrival order.
// Worker.getThread fills Articles with the articles named in the root's
// References header followed by the root itself; it does not search the
// group for replies to the root.
type ThreadView struct {
	RootMessageID string
	Articles      []Overview
	LastActivity  time.Time
}

// CachedThreads is the federated cache's per-group entry: spec.md's
// CachedThreads<> with a monotonic high-water-mark.
type CachedThreads struct {
	Threads       []ThreadView
	HighWaterMark int64
	LastRefresh   time.Time
}

// GroupStatsView answers GetGroupStats.
type GroupStatsView struct {
	LastArticleNumber int64
	LastArticleDate   *time.Time
}

// GroupCatalogEntry is one newsgroup's merged LIST ACTIVE / LIST NEWSGROUPS
// record.
type GroupCatalogEntry struct {
	Name        string
	Count       int64
	First       int64
	Last        int64
	Description string
}

// GroupCatalog is the full merged group listing returned by GetGroups.
type GroupCatalog struct {
	Groups map[string]GroupCatalogEntry
}

// PostOutcome distinguishes the three terminal states of PostArticle.
type PostOutcome int

const (
	PostAccepted PostOutcome = iota
	PostRejected
	PostNotPermitted
)

// ObservabilityEvent is the structured record emitted for every Worker
// operation and connection-lifecycle transition, matching the field set of
// spec.md section 6.
type ObservabilityEvent struct {
	Server     string
	Action     string
	Group      string
	MessageID  string
	Priority   config.Priority
	Coalesced  bool
	DurationMS int64
	Outcome    string
	TraceID    string
}

// RefreshEvent is emitted once per background-refresh iteration.
type RefreshEvent struct {
	Group      string
	RPS        float64
	PeriodMS   int64
	NewArticles int
}

// CacheEvent reports a cache hit or miss for a named cache.
type CacheEvent struct {
	Cache string
	Key   string
	Hit   bool
}

// EventSink is the pluggable observability surface. The default
// implementation (see log_sink.go) logs via the standard log package in the
// teacher's bracketed-tag style; production callers substitute their own
// sink (metrics, JSON logs) without touching the access layer.
type EventSink interface {
	Observe(ObservabilityEvent)
	Refresh(RefreshEvent)
	Cache(CacheEvent)
}
