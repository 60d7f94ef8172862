package access

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-while/ng-gateway/internal/config"
	"github.com/go-while/ng-gateway/internal/nntpwire"
)

// actionKind identifies the semantic request variant. This is the tagged
// sum type of spec.md's Request entity, implemented as spec.md section 9
// suggests for languages without sum types: a shared envelope (request)
// carrying a kind discriminant plus action-specific fields.
type actionKind int

const (
	actionGetArticle actionKind = iota
	actionCheckArticleExists
	actionGetThread
	actionGetThreads
	actionGetGroups
	actionGetGroupStats
	actionGetNewArticles
	actionPostArticle
)

func (k actionKind) String() string {
	switch k {
	case actionGetArticle:
		return "GetArticle"
	case actionCheckArticleExists:
		return "CheckArticleExists"
	case actionGetThread:
		return "GetThread"
	case actionGetThreads:
		return "GetThreads"
	case actionGetGroups:
		return "GetGroups"
	case actionGetGroupStats:
		return "GetGroupStats"
	case actionGetNewArticles:
		return "GetNewArticles"
	case actionPostArticle:
		return "PostArticle"
	default:
		return "Unknown"
	}
}

// priorityOf is the fixed priority assignment table of spec.md section 4.2.
func priorityOf(kind actionKind) config.Priority {
	switch kind {
	case actionGetArticle, actionGetThread, actionPostArticle, actionCheckArticleExists:
		return config.PriorityHigh
	case actionGetThreads, actionGetGroups:
		return config.PriorityNormal
	default: // actionGetGroupStats, actionGetNewArticles
		return config.PriorityLow
	}
}

// request is the envelope Service builds and Worker consumes: the shared
// struct with a kind discriminant and a single-shot reply channel.
type request struct {
	kind      actionKind
	messageID string
	group     string
	rootID    string
	since     int64
	postBytes []byte
	traceID   string
	submitted time.Time
	reply     chan requestResult
}

type requestResult struct {
	value any
	err   error
}

// capsSlot is the shared capabilities record a Service's Workers publish
// into on (re)connect and read from in execute to pick a fetch strategy
// (OVER, HDR or HEAD).
type capsSlot struct {
	mu   sync.RWMutex
	caps nntpwire.Capabilities
}

func (c *capsSlot) set(caps nntpwire.Capabilities) {
	c.mu.Lock()
	c.caps = caps
	c.mu.Unlock()
}

func (c *capsSlot) get() nntpwire.Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps
}

// workerState is the connection lifecycle state machine of spec.md 4.1:
// Disconnected -> Greeted -> Ready, with Ready/Disconnected both able to
// fall through to Terminated on shutdown.
type workerState int

const (
	stateDisconnected workerState = iota
	stateGreeted
	stateReady
	stateTerminated
)

func (s workerState) String() string {
	switch s {
	case stateDisconnected:
		return "Disconnected"
	case stateGreeted:
		return "Greeted"
	case stateReady:
		return "Ready"
	case stateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Worker owns a single persistent upstream connection, detects its
// capabilities, and services three priority queues with aging. Grounded in
// go-pugleaf's BackendConn connection lifecycle (nntp-client.go) and its
// per-command strategies (nntp-client-commands.go), generalized from a
// fixed set of server-side handlers to the semantic actions this gateway
// dispatches.
type Worker struct {
	server *config.ServerConfig
	dial   func() (nntpwire.Conn, error)

	high, normal, low <-chan *request
	caps              *capsSlot
	sink              EventSink
	stats             *serviceStats

	agingWindow time.Duration

	mu            sync.Mutex
	lastLowServed time.Time
	state         workerState
}

// State reports the Worker's current connection lifecycle state.
func (w *Worker) State() workerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s workerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// NewWorker constructs a Worker. dial is the connection factory (real
// TCP/TLS in production, a fake in tests). A Worker built directly (as
// tests do) gets its own private serviceStats; Service.NewService
// overwrites it with the shared one its Stats() method reports from.
func NewWorker(server *config.ServerConfig, dial func() (nntpwire.Conn, error), high, normal, low <-chan *request, caps *capsSlot, sink EventSink) *Worker {
	return &Worker{
		server:      server,
		dial:        dial,
		high:        high,
		normal:      normal,
		low:         low,
		caps:        caps,
		sink:        sink,
		stats:       &serviceStats{},
		agingWindow: config.DefaultAgingWindow,
	}
}

// Run drives the connection lifecycle state machine until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	backoff := config.DefaultReconnectFloor
	attempt := 0
	for {
		if ctx.Err() != nil {
			w.setState(stateTerminated)
			return
		}
		attempt++
		if attempt > 1 {
			atomic.AddInt64(&w.stats.totalReconnects, 1)
		}

		conn, caps, err := w.connect()
		if err != nil {
			w.setState(stateDisconnected)
			w.sink.Observe(ObservabilityEvent{Server: w.server.Name, Action: "connect", Outcome: "error"})
			if !sleepCancellable(ctx, jitter(backoff)) {
				w.setState(stateTerminated)
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = config.DefaultReconnectFloor
		w.caps.set(caps)
		w.setState(stateReady)
		atomic.AddInt32(&w.stats.readyWorkers, 1)
		w.sink.Observe(ObservabilityEvent{Server: w.server.Name, Action: "connect", Outcome: "ready"})

		terminal := w.serve(ctx, conn)
		conn.Close()
		atomic.AddInt32(&w.stats.readyWorkers, -1)
		if terminal {
			w.setState(stateTerminated)
			return
		}
		w.setState(stateDisconnected)
		// Disconnected: loop back and reconnect.
	}
}

// connect performs Disconnected -> Greeted -> Ready: dial, then on entering
// Greeted issue CAPABILITIES, optional MODE READER, and only then (if
// credentials are configured) AUTHINFO -- authentication failure here is
// fatal to this connection attempt per spec.md 4.1.
func (w *Worker) connect() (nntpwire.Conn, nntpwire.Capabilities, error) {
	conn, err := w.dial()
	if err != nil {
		return nil, nntpwire.Capabilities{}, fmt.Errorf("worker %s: dial: %w", w.server.Name, err)
	}
	w.setState(stateGreeted)

	caps, err := conn.Capabilities()
	if err != nil {
		conn.Close()
		return nil, nntpwire.Capabilities{}, fmt.Errorf("worker %s: capabilities: %w", w.server.Name, err)
	}
	_ = conn.ModeReader() // best-effort; rejection is not fatal

	if w.server.Username != "" {
		if err := conn.Authenticate(w.server.Username, w.server.Password); err != nil {
			conn.Close()
			return nil, nntpwire.Capabilities{}, fmt.Errorf("worker %s: authenticate: %w", w.server.Name, err)
		}
	}

	return conn, caps, nil
}

// serve runs the dequeue-with-aging loop against an established connection.
// Returns true if the worker should terminate (ctx cancelled), false if the
// connection dropped and a reconnect should follow.
func (w *Worker) serve(ctx context.Context, conn nntpwire.Conn) bool {
	for {
		req, ok := w.dequeue(ctx)
		if !ok {
			return ctx.Err() != nil
		}

		start := time.Now()
		value, err := w.execute(conn, req)
		duration := time.Since(start)

		outcome := "ok"
		disconnect := false
		if err != nil {
			var accessErr *Error
			if errors.As(err, &accessErr) && accessErr.Kind == KindTransport {
				disconnect = true
				outcome = "transport_error"
			} else {
				outcome = "error"
			}
		}

		w.sink.Observe(ObservabilityEvent{
			Server:     w.server.Name,
			Action:     req.kind.String(),
			Group:      req.group,
			MessageID:  req.messageID,
			Priority:   priorityOf(req.kind),
			DurationMS: duration.Milliseconds(),
			Outcome:    outcome,
			TraceID:    req.traceID,
		})

		req.reply <- requestResult{value: value, err: err}
		close(req.reply)

		if disconnect {
			return false
		}
	}
}

// dequeue implements the aging-aware multi-queue scan of spec.md 4.1: a Low
// request waiting at least agingWindow since the last one was served is
// prioritized over a non-empty High/Normal; otherwise strict priority
// order; a non-blocking scan falls back to a select over all three plus
// cancellation.
func (w *Worker) dequeue(ctx context.Context) (*request, bool) {
	for {
		w.mu.Lock()
		lowDue := time.Since(w.lastLowServed) >= w.agingWindow
		w.mu.Unlock()

		if lowDue {
			select {
			case req := <-w.low:
				w.markLowServed()
				return req, true
			default:
			}
		}

		select {
		case req := <-w.high:
			return req, true
		default:
		}
		select {
		case req := <-w.normal:
			return req, true
		default:
		}
		select {
		case req := <-w.low:
			w.markLowServed()
			return req, true
		default:
		}

		select {
		case req := <-w.high:
			return req, true
		case req := <-w.normal:
			return req, true
		case req := <-w.low:
			w.markLowServed()
			return req, true
		case <-ctx.Done():
			return nil, false
		case <-time.After(50 * time.Millisecond):
			// Re-check the aging deadline periodically even when all queues
			// are briefly empty.
		}
	}
}

func (w *Worker) markLowServed() {
	w.mu.Lock()
	w.lastLowServed = time.Now()
	w.mu.Unlock()
}

// execute selects a protocol strategy from the current capabilities and
// runs it, classifying the outcome per spec.md 4.1's error policy.
func (w *Worker) execute(conn nntpwire.Conn, req *request) (any, error) {
	caps := w.caps.get()

	switch req.kind {
	case actionGetArticle:
		return w.getArticle(conn, req.messageID)
	case actionCheckArticleExists:
		return w.checkArticleExists(conn, req.messageID)
	case actionGetThread:
		return w.getThread(conn, caps, req.group, req.rootID)
	case actionGetThreads:
		return w.getThreads(conn, caps, req.group)
	case actionGetGroups:
		return w.getGroups(conn, caps)
	case actionGetGroupStats:
		return w.getGroupStats(conn, caps, req.group)
	case actionGetNewArticles:
		return w.getNewArticles(conn, caps, req.group, req.since)
	case actionPostArticle:
		return w.postArticle(conn, caps, req.postBytes)
	default:
		return nil, newError(KindUpstreamProtocol, req.kind.String(), fmt.Errorf("unknown action"))
	}
}

func (w *Worker) getArticle(conn nntpwire.Conn, messageID string) (*ArticleView, error) {
	art, err := conn.Article(messageID)
	if err != nil {
		return nil, classifyArticleErr("GetArticle", err)
	}
	return &ArticleView{
		MessageID: art.MessageID,
		Headers:   art.Headers,
		Body:      art.Body,
		Bytes:     art.Bytes,
		Lines:     art.Lines,
	}, nil
}

func (w *Worker) checkArticleExists(conn nntpwire.Conn, messageID string) (bool, error) {
	exists, err := conn.Stat(messageID)
	if err != nil {
		return false, classifyTransportErr("CheckArticleExists", err)
	}
	return exists, nil
}

func (w *Worker) getThread(conn nntpwire.Conn, caps nntpwire.Capabilities, group, rootID string) (*ThreadView, error) {
	if _, err := conn.Group(group); err != nil {
		return nil, classifyGroupErr("GetThread", err)
	}
	root, err := w.getArticle(conn, rootID)
	if err != nil {
		return nil, err
	}
	thread := &ThreadView{RootMessageID: rootID}
	refs := ParseReferences(firstHeader(root.Headers, "references"))
	overviews, err := w.fetchOverviewsByMessageID(conn, caps, group, append(refs, rootID))
	if err != nil {
		return nil, err
	}
	thread.Articles = overviews
	for _, ov := range overviews {
		if ov.DateTime.After(thread.LastActivity) {
			thread.LastActivity = ov.DateTime
		}
	}
	return thread, nil
}

// fetchOverviewsByMessageID is a best-effort helper for GetThread: without
// a dedicated message-id indexed lookup, it falls back to HEAD per
// message-id, capped the way spec.md's Head strategy requires.
func (w *Worker) fetchOverviewsByMessageID(conn nntpwire.Conn, caps nntpwire.Capabilities, group string, ids []string) ([]Overview, error) {
	limit := config.DefaultHeadFallbackCap
	out := make([]Overview, 0, len(ids))
	for i, id := range ids {
		if i >= limit {
			break
		}
		head, err := conn.Head(id)
		if err != nil {
			if errors.Is(err, nntpwire.ErrNoSuchArticle) || errors.Is(err, nntpwire.ErrArticleRemoved) {
				continue
			}
			return nil, classifyTransportErr("GetThread", err)
		}
		out = append(out, overviewFromHeaders(id, head.Headers))
	}
	return out, nil
}

func (w *Worker) getThreads(conn nntpwire.Conn, caps nntpwire.Capabilities, group string) ([]Overview, error) {
	info, err := conn.Group(group)
	if err != nil {
		return nil, classifyGroupErr("GetThreads", err)
	}
	return w.fetchOverviewRange(conn, caps, group, info.First, info.Last)
}

func (w *Worker) getNewArticles(conn nntpwire.Conn, caps nntpwire.Capabilities, group string, since int64) ([]Overview, error) {
	info, err := conn.Group(group)
	if err != nil {
		return nil, classifyGroupErr("GetNewArticles", err)
	}
	if info.Last <= since {
		return nil, nil
	}
	return w.fetchOverviewRange(conn, caps, group, since+1, info.Last)
}

// fetchOverviewRange implements the ThreadFetchMethod cascade of spec.md
// 4.1: OVER in one round trip, else five HDR round trips, else HEAD per
// article capped.
func (w *Worker) fetchOverviewRange(conn nntpwire.Conn, caps nntpwire.Capabilities, group string, first, last int64) ([]Overview, error) {
	if first > last {
		return nil, nil
	}

	if caps.SupportsOver {
		lines, err := conn.Over(first, last)
		if err != nil {
			return nil, classifyTransportErr("GetThreads", err)
		}
		out := make([]Overview, 0, len(lines))
		for _, l := range lines {
			out = append(out, overviewFromLine(l))
		}
		return out, nil
	}

	if caps.SupportsHdr {
		fields := []string{"subject", "from", "date", "message-id", "references"}
		byNum := map[int64]*Overview{}
		for _, field := range fields {
			lines, err := conn.Hdr(field, first, last)
			if err != nil {
				return nil, classifyTransportErr("GetThreads", err)
			}
			for _, l := range lines {
				ov, ok := byNum[l.ArticleNum]
				if !ok {
					ov = &Overview{ArticleNum: l.ArticleNum}
					byNum[l.ArticleNum] = ov
				}
				applyHdrField(ov, field, l.Value)
			}
		}
		out := make([]Overview, 0, len(byNum))
		for _, ov := range byNum {
			ov.DateTime = parseNNTPDate(ov.Date)
			out = append(out, *ov)
		}
		return out, nil
	}

	out := make([]Overview, 0, last-first+1)
	for num := first; num <= last && int64(len(out)) < int64(config.DefaultHeadFallbackCap); num++ {
		id := strconv.FormatInt(num, 10)
		head, err := conn.Head(id)
		if err != nil {
			if errors.Is(err, nntpwire.ErrNoSuchArticle) || errors.Is(err, nntpwire.ErrArticleRemoved) {
				continue
			}
			return nil, classifyTransportErr("GetThreads", err)
		}
		ov := overviewFromHeaders(id, head.Headers)
		ov.ArticleNum = num
		out = append(out, ov)
	}
	return out, nil
}

func (w *Worker) getGroups(conn nntpwire.Conn, caps nntpwire.Capabilities) (*GroupCatalog, error) {
	actives, err := conn.ListActive()
	if err != nil {
		return nil, classifyTransportErr("GetGroups", err)
	}
	catalog := &GroupCatalog{Groups: make(map[string]GroupCatalogEntry, len(actives))}
	for _, g := range actives {
		catalog.Groups[g.Name] = GroupCatalogEntry{Name: g.Name, Count: g.Count, First: g.First, Last: g.Last}
	}

	if caps.ListVariants["newsgroups"] {
		descriptions, err := conn.ListNewsgroups()
		if err == nil {
			for name, desc := range descriptions {
				if entry, ok := catalog.Groups[name]; ok {
					entry.Description = desc
					catalog.Groups[name] = entry
				}
			}
		}
	}
	return catalog, nil
}

func (w *Worker) getGroupStats(conn nntpwire.Conn, caps nntpwire.Capabilities, group string) (*GroupStatsView, error) {
	info, err := conn.Group(group)
	if err != nil {
		return nil, classifyGroupErr("GetGroupStats", err)
	}
	stats := &GroupStatsView{LastArticleNumber: info.Last}
	if info.Last == 0 {
		return stats, nil
	}

	if caps.SupportsHdr {
		lines, err := conn.Hdr("date", info.Last, info.Last)
		if err == nil && len(lines) > 0 {
			t := parseNNTPDate(lines[0].Value)
			if !t.IsZero() {
				stats.LastArticleDate = &t
			}
			return stats, nil
		}
	}

	head, err := conn.Head(strconv.FormatInt(info.Last, 10))
	if err == nil {
		t := parseNNTPDate(firstHeader(head.Headers, "date"))
		if !t.IsZero() {
			stats.LastArticleDate = &t
		}
	}
	return stats, nil
}

func (w *Worker) postArticle(conn nntpwire.Conn, caps nntpwire.Capabilities, article []byte) (PostOutcome, error) {
	if !caps.SupportsPost && !caps.GreetingAllowsPost {
		return PostNotPermitted, newError(KindUpstreamProtocol, "PostArticle", nntpwire.ErrPostNotPermitted)
	}
	if err := conn.Post(article); err != nil {
		switch {
		case errors.Is(err, nntpwire.ErrPostNotPermitted):
			return PostNotPermitted, newError(KindUpstreamProtocol, "PostArticle", err)
		case errors.Is(err, nntpwire.ErrPostRejected):
			return PostRejected, newError(KindUpstreamProtocol, "PostArticle", err)
		default:
			return PostRejected, classifyTransportErr("PostArticle", err)
		}
	}
	return PostAccepted, nil
}

func classifyArticleErr(op string, err error) error {
	if errors.Is(err, nntpwire.ErrNoSuchArticle) || errors.Is(err, nntpwire.ErrArticleRemoved) {
		return newError(KindNotFound, op, err)
	}
	return classifyTransportErr(op, err)
}

func classifyGroupErr(op string, err error) error {
	if errors.Is(err, nntpwire.ErrNoSuchGroup) {
		return newError(KindNotFound, op, err)
	}
	return classifyTransportErr(op, err)
}

func classifyTransportErr(op string, err error) error {
	return newError(KindTransport, op, err)
}

func overviewFromLine(l nntpwire.OverviewLine) Overview {
	return Overview{
		ArticleNum: l.ArticleNum,
		MessageID:  l.MessageID,
		Subject:    l.Subject,
		From:       l.From,
		Date:       l.Date,
		DateTime:   parseNNTPDate(l.Date),
		References: ParseReferences(l.References),
		Bytes:      l.Bytes,
		Lines:      l.Lines,
	}
}

func overviewFromHeaders(messageID string, headers map[string][]string) Overview {
	date := firstHeader(headers, "date")
	return Overview{
		MessageID:  messageID,
		Subject:    firstHeader(headers, "subject"),
		From:       firstHeader(headers, "from"),
		Date:       date,
		DateTime:   parseNNTPDate(date),
		References: ParseReferences(firstHeader(headers, "references")),
	}
}

func applyHdrField(ov *Overview, field, value string) {
	switch field {
	case "subject":
		ov.Subject = value
	case "from":
		ov.From = value
	case "date":
		ov.Date = value
	case "message-id":
		ov.MessageID = value
	case "references":
		ov.References = ParseReferences(value)
	}
}

func firstHeader(headers map[string][]string, name string) string {
	if v := headers[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// parseNNTPDate accepts RFC 1123Z/RFC 822 style dates seen on Usenet
// articles, returning the zero time if nothing parses.
func parseNNTPDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	layouts := []string{time.RFC1123Z, time.RFC1123, "2 Jan 2006 15:04:05 -0700", "02 Jan 2006 15:04:05 -0700"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func sleepCancellable(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > config.DefaultReconnectCeiling {
		next = config.DefaultReconnectCeiling
	}
	return next
}

// jitter moves a backoff duration by a random amount within ±25%, the way the
// spec's reconnect policy requires without thundering-herd reconnection
// across many workers.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := d / 4
	if spread <= 0 {
		return d
	}
	return d - spread + time.Duration(rand.Int63n(int64(spread)*2+1))
}
