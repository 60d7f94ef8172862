package access

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/go-while/ng-gateway/internal/config"
	"github.com/go-while/ng-gateway/internal/nntpwire"
)

// Service exposes the semantic actions of spec.md section 4.2 for one
// upstream server: three bounded priority queues feeding a pool of Workers,
// and a per-server pending-requests map for coalescing. Grounded in
// go-pugleaf's Pool (nntp-backend-pool.go), generalized from a bare
// connection-checkout pool to a priority-scheduled, coalescing dispatcher.
type Service struct {
	cfg  *config.ServerConfig
	sink EventSink

	high, normal, low chan *request
	caps              *capsSlot
	pending           *pendingGroup
	stats             *serviceStats

	requestTimeout   time.Duration
	queueSendTimeout time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds a Service for one server. dial is the connection
// factory each Worker uses; tests pass a fake, production passes
// nntpwire.Dial bound to cfg.
func NewService(cfg *config.ServerConfig, dial func() (nntpwire.Conn, error), sink EventSink) *Service {
	if sink == nil {
		sink = LogSink{}
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = config.DefaultQueueCapacity
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = config.DefaultRequestTimeout
	}
	queueSendTimeout := cfg.QueueSendTimeout
	if queueSendTimeout <= 0 {
		queueSendTimeout = config.DefaultQueueSendTimeout
	}

	workerCount := cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
	}

	s := &Service{
		cfg:              cfg,
		sink:             sink,
		high:             make(chan *request, capacity),
		normal:           make(chan *request, capacity),
		low:              make(chan *request, capacity),
		caps:             &capsSlot{},
		pending:          newPendingGroup(),
		stats:            &serviceStats{workerCount: workerCount},
		requestTimeout:   requestTimeout,
		queueSendTimeout: queueSendTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for i := 0; i < workerCount; i++ {
		w := NewWorker(cfg, dial, s.high, s.normal, s.low, s.caps, sink)
		w.stats = s.stats
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.Run(ctx)
		}()
	}
	return s
}

// Stats reports this Service's worker-pool counters, the per-server
// analogue of go-pugleaf's Pool.Stats().
func (s *Service) Stats() ServiceStats {
	return s.stats.snapshot()
}

// Shutdown cancels all Workers and waits up to deadline for them to drain.
func (s *Service) Shutdown(deadline time.Duration) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(deadline):
		return newError(KindCancelled, "Shutdown", fmt.Errorf("workers did not drain within %s", deadline))
	}
}

func (s *Service) queueFor(p config.Priority) chan *request {
	switch p {
	case config.PriorityHigh:
		return s.high
	case config.PriorityNormal:
		return s.normal
	default:
		return s.low
	}
}

// dispatch implements steps 3-4 of the Submit algorithm: push onto the
// priority queue with a bounded send timeout, then await the reply with a
// bounded request timeout.
func (s *Service) dispatch(ctx context.Context, req *request) (any, error) {
	req.reply = make(chan requestResult, 1)
	req.submitted = time.Now()
	q := s.queueFor(priorityOf(req.kind))

	select {
	case q <- req:
	case <-time.After(s.queueSendTimeout):
		return nil, newError(KindSaturation, req.kind.String(), fmt.Errorf("queue full after %s", s.queueSendTimeout))
	case <-ctx.Done():
		return nil, newError(KindCancelled, req.kind.String(), ctx.Err())
	}

	select {
	case res := <-req.reply:
		return res.value, res.err
	case <-time.After(s.requestTimeout):
		return nil, newError(KindTimeout, req.kind.String(), fmt.Errorf("exceeded request timeout %s", s.requestTimeout))
	case <-ctx.Done():
		return nil, newError(KindCancelled, req.kind.String(), ctx.Err())
	}
}

// submit runs steps 1-5 of spec.md's Submit algorithm: build the request,
// coalesce via pendingGroup when enabled, dispatch, and emit an
// observability event reflecting whether this caller shared another's
// in-flight call.
func (s *Service) submit(ctx context.Context, kind actionKind, rawKey string, coalesce bool, build func() *request) (any, error) {
	atomic.AddInt64(&s.stats.totalRequests, 1)
	traceID := uuid.NewString()
	group, messageID := "", ""

	run := func() (any, error) {
		req := build()
		req.traceID = traceID
		group, messageID = req.group, req.messageID
		return s.dispatch(ctx, req)
	}

	var value any
	var err error
	var shared bool
	if coalesce {
		key := kind.String() + "|" + rawKey
		value, shared, err = s.pending.do(key, run)
	} else {
		value, err = run()
	}

	outcome := "ok"
	if err != nil {
		outcome = classifyOutcome(err)
	}
	s.sink.Observe(ObservabilityEvent{
		Server:    s.cfg.Name,
		Action:    kind.String(),
		Group:     group,
		MessageID: messageID,
		Priority:  priorityOf(kind),
		Coalesced: shared,
		Outcome:   outcome,
		TraceID:   traceID,
	})
	return value, err
}

func classifyOutcome(err error) string {
	var accessErr *Error
	if e, ok := err.(*Error); ok {
		accessErr = e
		return accessErr.Kind.String()
	}
	return "error"
}

// GetArticle coalesces by message-id (high priority).
func (s *Service) GetArticle(ctx context.Context, messageID string) (*ArticleView, error) {
	v, err := s.submit(ctx, actionGetArticle, messageID, true, func() *request {
		return &request{kind: actionGetArticle, messageID: messageID}
	})
	if err != nil {
		return nil, err
	}
	view, _ := v.(*ArticleView)
	return view, nil
}

// CheckArticleExists coalesces by message-id (high priority).
func (s *Service) CheckArticleExists(ctx context.Context, messageID string) (bool, error) {
	v, err := s.submit(ctx, actionCheckArticleExists, messageID, true, func() *request {
		return &request{kind: actionCheckArticleExists, messageID: messageID}
	})
	if err != nil {
		return false, err
	}
	exists, _ := v.(bool)
	return exists, nil
}

// GetThread coalesces by "group:root-id" (high priority).
func (s *Service) GetThread(ctx context.Context, group, rootID string) (*ThreadView, error) {
	key := group + ":" + rootID
	v, err := s.submit(ctx, actionGetThread, key, true, func() *request {
		return &request{kind: actionGetThread, group: group, rootID: rootID}
	})
	if err != nil {
		return nil, err
	}
	thread, _ := v.(*ThreadView)
	return thread, nil
}

// GetThreads coalesces by group (normal priority).
func (s *Service) GetThreads(ctx context.Context, group string) ([]Overview, error) {
	v, err := s.submit(ctx, actionGetThreads, group, true, func() *request {
		return &request{kind: actionGetThreads, group: group}
	})
	if err != nil {
		return nil, err
	}
	overviews, _ := v.([]Overview)
	return overviews, nil
}

// GetGroups coalesces on a constant key (normal priority).
func (s *Service) GetGroups(ctx context.Context) (*GroupCatalog, error) {
	v, err := s.submit(ctx, actionGetGroups, "*", true, func() *request {
		return &request{kind: actionGetGroups}
	})
	if err != nil {
		return nil, err
	}
	catalog, _ := v.(*GroupCatalog)
	return catalog, nil
}

// GetGroupStats coalesces by group (low priority).
func (s *Service) GetGroupStats(ctx context.Context, group string) (*GroupStatsView, error) {
	v, err := s.submit(ctx, actionGetGroupStats, group, true, func() *request {
		return &request{kind: actionGetGroupStats, group: group}
	})
	if err != nil {
		return nil, err
	}
	stats, _ := v.(*GroupStatsView)
	return stats, nil
}

// GetNewArticles never coalesces: the watermark varies per caller.
func (s *Service) GetNewArticles(ctx context.Context, group string, since int64) ([]Overview, error) {
	v, err := s.submit(ctx, actionGetNewArticles, "", false, func() *request {
		return &request{kind: actionGetNewArticles, group: group, since: since}
	})
	if err != nil {
		return nil, err
	}
	overviews, _ := v.([]Overview)
	return overviews, nil
}

// PostArticle never coalesces (high priority).
func (s *Service) PostArticle(ctx context.Context, article []byte) (PostOutcome, error) {
	v, err := s.submit(ctx, actionPostArticle, "", false, func() *request {
		return &request{kind: actionPostArticle, postBytes: article}
	})
	if err != nil {
		return PostRejected, err
	}
	outcome, _ := v.(PostOutcome)
	return outcome, nil
}
