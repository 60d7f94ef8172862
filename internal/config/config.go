// Package config holds the immutable configuration types consumed by the
// NNTP access layer. Parsing an on-disk config file into these structs is an
// external collaborator (see spec); this package only defines the shapes and
// sensible defaults, the way go-pugleaf's config.MainConfig does.
package config

import (
	"strings"
	"time"
)

// Default tunables. Named so every magic number in the access layer traces
// back to one place, matching config.go's constant block in the teacher.
const (
	// DefaultConnectTimeout bounds a single connection attempt.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultRequestTimeout bounds a Service.Submit call end to end.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultQueueSendTimeout bounds how long Submit blocks pushing onto a
	// priority queue before reporting saturation.
	DefaultQueueSendTimeout = 2 * time.Second
	// DefaultQueueCapacity is the bounded channel depth for each priority queue.
	DefaultQueueCapacity = 256

	// DefaultAgingWindow is the maximum time a Low-priority request can be
	// starved before the Worker is required to service it.
	DefaultAgingWindow = 10 * time.Second

	// DefaultReconnectFloor/Ceiling bound the Worker's exponential backoff.
	DefaultReconnectFloor   = 500 * time.Millisecond
	DefaultReconnectCeiling = 30 * time.Second

	// DefaultShutdownDeadline bounds graceful drain on shutdown.
	DefaultShutdownDeadline = 30 * time.Second

	// Cache TTLs, per the §4.3 table.
	DefaultArticleCacheTTL      = 6 * time.Hour
	DefaultArticleNotFoundTTL   = 60 * time.Second
	DefaultThreadsCacheTTL      = 5 * time.Minute
	DefaultThreadCacheTTL       = 5 * time.Minute
	DefaultGroupsCacheTTL       = 1 * time.Hour
	DefaultGroupStatsCacheTTL   = 5 * time.Minute
	DefaultIncrementalDebounce  = 1 * time.Second

	// Cache size caps (entries); 0 means unbounded.
	DefaultArticleCacheSize    = 50_000
	DefaultArticleNotFoundSize = 50_000
	DefaultThreadsCacheSize    = 2_000
	DefaultThreadCacheSize     = 10_000
	DefaultGroupsCacheSize     = 1
	DefaultGroupStatsCacheSize = 2_000

	// Activity tracker defaults, per §4.4.
	DefaultActivityBuckets = 150
	DefaultActivityWindow  = 5 * time.Minute
	DefaultActivityHighRPS = 10_000.0
	DefaultMinRefreshPeriod = 1 * time.Second
	DefaultMaxRefreshPeriod = 30 * time.Second

	// DefaultHeadFallbackCap limits per-article HEAD fallback fetches for
	// GetThreads when neither OVER nor HDR is advertised.
	DefaultHeadFallbackCap = 200
)

// TLSMode selects how a Worker dials its upstream connection.
type TLSMode int

const (
	TLSNone TLSMode = iota
	TLSImplicit
	TLSStartTLS
)

// Priority is the request's scheduling class, derived from its kind (§3).
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// GroupPattern is a pluggable predicate deciding whether a server carries a
// given newsgroup. The default implementation is glob matching in the style
// of go-pugleaf's nntp-peering-pattern.go (matchWildcard), generalized from
// peering accept/reject lists to a single admits-this-group predicate.
type GroupPattern interface {
	Admits(group string) bool
}

// GlobPatterns is a GroupPattern backed by a set of shell-glob-style
// patterns ('*' any run of characters, '?' single character). An empty set
// admits every group.
type GlobPatterns []string

func (g GlobPatterns) Admits(group string) bool {
	if len(g) == 0 {
		return true
	}
	for _, pattern := range g {
		if matchWildcard(group, pattern) {
			return true
		}
	}
	return false
}

func matchWildcard(text, pattern string) bool {
	return matchWildcardRecursive(text, pattern, 0, 0)
}

// matchWildcardRecursive mirrors go-pugleaf's matchWildcardRecursive: '*'
// matches any run (including empty), '?' matches exactly one character.
func matchWildcardRecursive(text, pattern string, ti, pi int) bool {
	for pi < len(pattern) && pattern[pi] == '*' {
		// Collapse consecutive '*' and try to match the remainder at every
		// possible split point.
		for ti <= len(text) {
			if matchWildcardRecursive(text, pattern, ti, pi+1) {
				return true
			}
			ti++
		}
		return false
	}
	if pi == len(pattern) {
		return ti == len(text)
	}
	if ti == len(text) {
		return false
	}
	if pattern[pi] == '?' || pattern[pi] == text[ti] {
		return matchWildcardRecursive(text, pattern, ti+1, pi+1)
	}
	return false
}

// ServerConfig describes one upstream NNTP server. Immutable once built, the
// way go-pugleaf's Provider is built once at startup and never mutated.
type ServerConfig struct {
	Name     string
	Host     string
	Port     int
	TLS      TLSMode
	Username string
	Password string

	// WorkerCount is how many persistent connections (Workers) this Service
	// maintains against this server.
	WorkerCount int

	// Rank orders servers within the federation; lower ranks are tried
	// first for a given group. Matches Provider.Priority's "lower = higher
	// priority" convention.
	Rank int

	// Patterns restricts which groups this server is considered for. A nil
	// or empty GlobPatterns admits every group.
	Patterns GroupPattern

	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	QueueSendTimeout time.Duration
	QueueCapacity    int
}

// NewDefaultServerConfig returns a ServerConfig with the package defaults
// filled in, analogous to config.NewDefaultConfig.
func NewDefaultServerConfig(name, host string, port int) *ServerConfig {
	return &ServerConfig{
		Name:             name,
		Host:             host,
		Port:             port,
		TLS:              TLSNone,
		WorkerCount:      4,
		Rank:             100,
		Patterns:         nil,
		ConnectTimeout:   DefaultConnectTimeout,
		RequestTimeout:   DefaultRequestTimeout,
		QueueSendTimeout: DefaultQueueSendTimeout,
		QueueCapacity:    DefaultQueueCapacity,
	}
}

// NormalizeGroup trims a newsgroup name so it is stable as a cache/map key
// regardless of incidental whitespace from an HTTP handler -- mirrors
// go-pugleaf's habit of normalizing group names before using them as map
// keys.
func NormalizeGroup(group string) string {
	return strings.TrimSpace(group)
}
