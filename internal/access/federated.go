package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/go-while/ng-gateway/internal/config"
	"github.com/go-while/ng-gateway/internal/nntpwire"
)

type serviceEntry struct {
	cfg *config.ServerConfig
	svc *Service
}

// FederatedService presents N per-server Services as a single logical
// source, per spec.md section 4.3: server selection by rank and group
// pattern, six TTL-bounded caches, incremental thread refresh, the
// activity tracker, and federated-level coalescing for the two actions
// that are inherently cross-server (GetGroups, GetGroupStats).
type FederatedService struct {
	entries []*serviceEntry
	sink    EventSink

	articleCache         *expirable.LRU[string, *ArticleView]
	articleNotFoundCache *expirable.LRU[string, struct{}]
	threadsCache         *expirable.LRU[string, *CachedThreads]
	threadCache          *expirable.LRU[string, *ThreadView]
	groupsCache          *expirable.LRU[string, *GroupCatalog]
	groupStatsCache      *expirable.LRU[string, *GroupStatsView]

	pending  *pendingGroup
	debounce time.Duration

	lastIncrementalMu sync.Mutex
	lastIncremental   map[string]time.Time

	tracker *ActivityTracker
}

// FederatedOption customizes cache sizing/TTLs away from the spec defaults.
type FederatedOption func(*federatedOptions)

type federatedOptions struct {
	articleTTL, notFoundTTL, threadsTTL, threadTTL, groupsTTL, groupStatsTTL time.Duration
	articleSize, notFoundSize, threadsSize, threadSize, groupsSize, groupStatsSize int
}

func defaultFederatedOptions() federatedOptions {
	return federatedOptions{
		articleTTL:      config.DefaultArticleCacheTTL,
		notFoundTTL:     config.DefaultArticleNotFoundTTL,
		threadsTTL:      config.DefaultThreadsCacheTTL,
		threadTTL:       config.DefaultThreadCacheTTL,
		groupsTTL:       config.DefaultGroupsCacheTTL,
		groupStatsTTL:   config.DefaultGroupStatsCacheTTL,
		articleSize:     config.DefaultArticleCacheSize,
		notFoundSize:    config.DefaultArticleNotFoundSize,
		threadsSize:     config.DefaultThreadsCacheSize,
		threadSize:      config.DefaultThreadCacheSize,
		groupsSize:      config.DefaultGroupsCacheSize,
		groupStatsSize:  config.DefaultGroupStatsCacheSize,
	}
}

// NewFederatedService builds a FederatedService over the given servers,
// ordered by rank, each backed by a Service whose Workers dial through
// dialFor(cfg).
func NewFederatedService(servers []*config.ServerConfig, dialFor func(*config.ServerConfig) func() (nntpwire.Conn, error), sink EventSink, opts ...FederatedOption) *FederatedService {
	if sink == nil {
		sink = LogSink{}
	}
	o := defaultFederatedOptions()
	for _, opt := range opts {
		opt(&o)
	}

	entries := make([]*serviceEntry, 0, len(servers))
	for _, cfg := range servers {
		entries = append(entries, &serviceEntry{cfg: cfg, svc: NewService(cfg, dialFor(cfg), sink)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].cfg.Rank < entries[j].cfg.Rank })

	f := &FederatedService{
		entries:              entries,
		sink:                 sink,
		articleCache:         expirable.NewLRU[string, *ArticleView](o.articleSize, nil, o.articleTTL),
		articleNotFoundCache: expirable.NewLRU[string, struct{}](o.notFoundSize, nil, o.notFoundTTL),
		threadsCache:         expirable.NewLRU[string, *CachedThreads](o.threadsSize, nil, o.threadsTTL),
		threadCache:          expirable.NewLRU[string, *ThreadView](o.threadSize, nil, o.threadTTL),
		groupsCache:          expirable.NewLRU[string, *GroupCatalog](o.groupsSize, nil, o.groupsTTL),
		groupStatsCache:      expirable.NewLRU[string, *GroupStatsView](o.groupStatsSize, nil, o.groupStatsTTL),
		pending:              newPendingGroup(),
		debounce:             config.DefaultIncrementalDebounce,
		lastIncremental:      map[string]time.Time{},
	}
	f.tracker = NewActivityTracker(sink, func(ctx context.Context, group string) {
		f.triggerIncrementalUpdate(ctx, group)
	})
	return f
}

// candidatesFor returns the services admitting group, ordered by rank. An
// empty group (a lookup not scoped to any group) admits every service.
func (f *FederatedService) candidatesFor(group string) []*serviceEntry {
	out := make([]*serviceEntry, 0, len(f.entries))
	for _, e := range f.entries {
		if group == "" || e.cfg.Patterns == nil || e.cfg.Patterns.Admits(group) {
			out = append(out, e)
		}
	}
	return out
}

// failover implements spec.md 4.3's server-selection/failover policy:
// Transport/Saturation/Timeout advance to the next service; UpstreamProtocol
// and Cancelled are terminal; NotFound moves on to the remaining candidates,
// and if none of them succeeds it is surfaced in preference to any
// transport error seen along the way.
func (f *FederatedService) failover(group string, fn func(*Service) (any, error)) (any, error) {
	candidates := f.candidatesFor(group)
	if len(candidates) == 0 {
		return nil, newError(KindNotFound, "server-select", fmt.Errorf("no server admits group %q", group))
	}

	var lastErr error
	sawNotFound := false
	for _, e := range candidates {
		v, err := fn(e.svc)
		if err == nil {
			return v, nil
		}
		var accessErr *Error
		if errors.As(err, &accessErr) {
			switch accessErr.Kind {
			case KindNotFound:
				sawNotFound = true
				lastErr = err
				continue
			case KindTransport, KindSaturation, KindTimeout:
				lastErr = err
				continue
			default:
				return nil, err
			}
		}
		lastErr = err
	}
	if sawNotFound {
		return nil, newError(KindNotFound, "server-select", lastErr)
	}
	return nil, lastErr
}

// GetArticle checks the positive and negative caches, then fails over
// across servers admitting no particular group (articles aren't
// group-scoped at this layer, so every service is a candidate).
func (f *FederatedService) GetArticle(ctx context.Context, messageID string) (*ArticleView, error) {
	if art, ok := f.articleCache.Get(messageID); ok {
		f.sink.Cache(CacheEvent{Cache: "article", Key: messageID, Hit: true})
		return art, nil
	}
	if _, ok := f.articleNotFoundCache.Get(messageID); ok {
		f.sink.Cache(CacheEvent{Cache: "article-not-found", Key: messageID, Hit: true})
		return nil, newError(KindNotFound, "GetArticle", nntpwire.ErrNoSuchArticle)
	}
	f.sink.Cache(CacheEvent{Cache: "article", Key: messageID, Hit: false})

	v, err := f.failover("", func(svc *Service) (any, error) { return svc.GetArticle(ctx, messageID) })
	if err != nil {
		if isKind(err, KindNotFound) {
			f.articleNotFoundCache.Add(messageID, struct{}{})
		}
		return nil, err
	}
	art := v.(*ArticleView)
	f.articleCache.Add(messageID, art)
	return art, nil
}

func (f *FederatedService) CheckArticleExists(ctx context.Context, messageID string) (bool, error) {
	if _, ok := f.articleCache.Get(messageID); ok {
		return true, nil
	}
	if _, ok := f.articleNotFoundCache.Get(messageID); ok {
		return false, nil
	}
	v, err := f.failover("", func(svc *Service) (any, error) { return svc.CheckArticleExists(ctx, messageID) })
	if err != nil {
		if isKind(err, KindNotFound) {
			return false, nil
		}
		return false, err
	}
	exists := v.(bool)
	if !exists {
		f.articleNotFoundCache.Add(messageID, struct{}{})
	}
	return exists, nil
}

// GetThreads implements the cache-first, incremental-refresh-on-hit
// behavior of spec.md 4.3.
func (f *FederatedService) GetThreads(ctx context.Context, group string) (*CachedThreads, error) {
	group = config.NormalizeGroup(group)
	f.tracker.MarkGroupActive(group)

	if cached, ok := f.threadsCache.Get(group); ok {
		f.sink.Cache(CacheEvent{Cache: "threads", Key: group, Hit: true})
		updated := f.triggerIncrementalUpdate(ctx, group)
		if updated != nil {
			return updated, nil
		}
		return cached, nil
	}
	f.sink.Cache(CacheEvent{Cache: "threads", Key: group, Hit: false})

	v, err := f.failover(group, func(svc *Service) (any, error) { return svc.GetThreads(ctx, group) })
	if err != nil {
		return nil, err
	}
	overviews := v.([]Overview)
	threads := buildCachedThreads(overviews)
	f.threadsCache.Add(group, threads)
	return threads, nil
}

// triggerIncrementalUpdate is get_new_articles_coalesced fused with the
// merge step of spec.md 4.3: debounced per group, coalesced across
// concurrent callers, merges results into the cached CachedThreads and
// advances the high-water-mark monotonically. Returns nil if no update was
// performed (debounced, upstream error, or no new articles). With nothing
// cached yet for group, the fetch starts from watermark 0 and its result
// becomes the group's cache entry.
func (f *FederatedService) triggerIncrementalUpdate(ctx context.Context, group string) *CachedThreads {
	f.lastIncrementalMu.Lock()
	last, ok := f.lastIncremental[group]
	if ok && time.Since(last) < f.debounce {
		f.lastIncrementalMu.Unlock()
		return nil
	}
	f.lastIncremental[group] = time.Now()
	f.lastIncrementalMu.Unlock()

	cached, ok := f.threadsCache.Get(group)
	watermark := int64(0)
	if ok {
		watermark = cached.HighWaterMark
	}

	key := "incremental|" + group
	v, _, err := f.pending.do(key, func() (any, error) {
		return f.failover(group, func(svc *Service) (any, error) {
			return svc.GetNewArticles(ctx, group, watermark)
		})
	})
	if err != nil {
		return nil
	}
	newArticles, _ := v.([]Overview)
	if len(newArticles) == 0 {
		return nil
	}

	merged := mergeCachedThreads(cached, newArticles)
	f.threadsCache.Add(group, merged)
	f.sink.Refresh(RefreshEvent{Group: group, NewArticles: len(newArticles)})
	return merged
}

// GetThread caches by a "group:root-id" key and fails over across servers
// admitting the group. It does no federated-level coalescing; duplicate
// in-flight calls are collapsed inside each Service.
func (f *FederatedService) GetThread(ctx context.Context, group, rootID string) (*ThreadView, error) {
	group = config.NormalizeGroup(group)
	key := group + ":" + rootID
	if cached, ok := f.threadCache.Get(key); ok {
		f.sink.Cache(CacheEvent{Cache: "thread", Key: key, Hit: true})
		return cached, nil
	}
	f.sink.Cache(CacheEvent{Cache: "thread", Key: key, Hit: false})

	v, err := f.failover(group, func(svc *Service) (any, error) { return svc.GetThread(ctx, group, rootID) })
	if err != nil {
		return nil, err
	}
	thread := v.(*ThreadView)
	f.threadCache.Add(key, thread)
	return thread, nil
}

// GetGroups is cross-server: coalesced federated-level, results merged
// first-wins across every service (spec.md's Open Questions resolution).
func (f *FederatedService) GetGroups(ctx context.Context) (*GroupCatalog, error) {
	const key = "groups"
	if cached, ok := f.groupsCache.Get(key); ok {
		f.sink.Cache(CacheEvent{Cache: "groups", Key: key, Hit: true})
		return cached, nil
	}
	f.sink.Cache(CacheEvent{Cache: "groups", Key: key, Hit: false})

	v, _, err := f.pending.do("GetGroups", func() (any, error) {
		merged := &GroupCatalog{Groups: map[string]GroupCatalogEntry{}}
		var lastErr error
		anySucceeded := false
		for _, e := range f.entries {
			catalog, err := e.svc.GetGroups(ctx)
			if err != nil {
				lastErr = err
				continue
			}
			anySucceeded = true
			for name, entry := range catalog.Groups {
				if _, exists := merged.Groups[name]; !exists {
					merged.Groups[name] = entry
				}
			}
		}
		if !anySucceeded {
			return nil, lastErr
		}
		return merged, nil
	})
	if err != nil {
		return nil, err
	}
	catalog := v.(*GroupCatalog)
	f.groupsCache.Add(key, catalog)
	return catalog, nil
}

// GetGroupStats is cross-server: coalesced federated-level, first
// successful server wins by rank order.
func (f *FederatedService) GetGroupStats(ctx context.Context, group string) (*GroupStatsView, error) {
	group = config.NormalizeGroup(group)
	if cached, ok := f.groupStatsCache.Get(group); ok {
		f.sink.Cache(CacheEvent{Cache: "group-stats", Key: group, Hit: true})
		return cached, nil
	}
	f.sink.Cache(CacheEvent{Cache: "group-stats", Key: group, Hit: false})

	v, _, err := f.pending.do("GetGroupStats|"+group, func() (any, error) {
		return f.failover(group, func(svc *Service) (any, error) { return svc.GetGroupStats(ctx, group) })
	})
	if err != nil {
		return nil, err
	}
	stats := v.(*GroupStatsView)
	f.groupStatsCache.Add(group, stats)
	return stats, nil
}

// PostArticle requires a postable server and never coalesces or caches.
func (f *FederatedService) PostArticle(ctx context.Context, group string, article []byte) (PostOutcome, error) {
	v, err := f.failover(group, func(svc *Service) (any, error) { return svc.PostArticle(ctx, article) })
	if err != nil {
		return PostRejected, err
	}
	return v.(PostOutcome), nil
}

// MarkGroupActive is the idempotent downstream entry point of spec.md
// section 6.
func (f *FederatedService) MarkGroupActive(group string) {
	f.tracker.MarkGroupActive(config.NormalizeGroup(group))
}

// Shutdown cancels the activity tracker's refresh tasks and drains every
// per-server Service up to deadline.
func (f *FederatedService) Shutdown(deadline time.Duration) error {
	f.tracker.Shutdown()
	var last error
	for _, e := range f.entries {
		if err := e.svc.Shutdown(deadline); err != nil {
			last = err
		}
	}
	return last
}

// Start launches every per-server Service's Workers. Construction already
// starts Workers (see NewService); Start exists for symmetry with
// Shutdown and future lazy-start policies.
func (f *FederatedService) Start(context.Context) {}

// Stats reports each per-server Service's worker-pool counters, keyed by
// server name.
func (f *FederatedService) Stats() map[string]ServiceStats {
	out := make(map[string]ServiceStats, len(f.entries))
	for _, e := range f.entries {
		out[e.cfg.Name] = e.svc.Stats()
	}
	return out
}

func isKind(err error, kind Kind) bool {
	var accessErr *Error
	if errors.As(err, &accessErr) {
		return accessErr.Kind == kind
	}
	return false
}

// buildCachedThreads groups a flat overview list into threads by
// References chains, the initial build for a group with nothing cached
// yet: articles with no matching root start their own thread.
func buildCachedThreads(overviews []Overview) *CachedThreads {
	return mergeCachedThreads(nil, overviews)
}

// mergeCachedThreads implements the merge policy of spec.md 4.3: new
// articles are keyed by message-id; an article whose References chain
// points into an existing root appends to that thread, otherwise it starts
// a new thread. Threads are ordered by most-recent-article-time
// descending, ties broken by article number descending. The high-water
// mark only ever increases.
func mergeCachedThreads(existing *CachedThreads, newArticles []Overview) *CachedThreads {
	threads := map[string]*ThreadView{}
	order := []string{}
	watermark := int64(0)
	seen := map[string]bool{}

	if existing != nil {
		watermark = existing.HighWaterMark
		for _, t := range existing.Threads {
			threads[t.RootMessageID] = &t
			order = append(order, t.RootMessageID)
			for _, a := range t.Articles {
				seen[a.MessageID] = true
			}
		}
	}

	rootOf := func(ov Overview) string {
		for _, ref := range ov.References {
			if _, ok := threads[ref]; ok {
				return ref
			}
		}
		return ov.MessageID
	}

	for _, ov := range newArticles {
		if ov.ArticleNum > watermark {
			watermark = ov.ArticleNum
		}
		if seen[ov.MessageID] {
			continue
		}
		seen[ov.MessageID] = true
		root := rootOf(ov)
		t, ok := threads[root]
		if !ok {
			t = &ThreadView{RootMessageID: root}
			threads[root] = t
			order = append(order, root)
		}
		t.Articles = append(t.Articles, ov)
		if ov.DateTime.After(t.LastActivity) {
			t.LastActivity = ov.DateTime
		}
	}

	out := make([]ThreadView, 0, len(order))
	for _, root := range order {
		out = append(out, *threads[root])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return maxArticleNum(out[i]) > maxArticleNum(out[j])
	})

	return &CachedThreads{Threads: out, HighWaterMark: watermark, LastRefresh: time.Now()}
}

func maxArticleNum(t ThreadView) int64 {
	var max int64
	for _, a := range t.Articles {
		if a.ArticleNum > max {
			max = a.ArticleNum
		}
	}
	return max
}
