package access

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-while/ng-gateway/internal/config"
	"github.com/go-while/ng-gateway/internal/nntpwire"
)

func newTestService(t *testing.T, fc *fakeConn, cfg *config.ServerConfig) *Service {
	t.Helper()
	if cfg == nil {
		cfg = config.NewDefaultServerConfig("test", "localhost", 119)
		cfg.WorkerCount = 1
	}
	svc := NewService(cfg, func() (nntpwire.Conn, error) { return fc, nil }, LogSink{})
	t.Cleanup(func() { svc.Shutdown(time.Second) })
	return svc
}

// Scenario 1 of spec.md section 8: 50 concurrent GetArticle("<m1>") against
// a worker with an artificial delay must issue exactly one upstream call
// and every caller must receive the same result.
func TestServiceCoalescesConcurrentGetArticle(t *testing.T) {
	fc := newFakeConn()
	fc.delay = 50 * time.Millisecond
	fc.articles["<m1>"] = &nntpwire.Article{MessageID: "<m1>", Headers: map[string][]string{"subject": {"hi"}}, Body: "body"}

	svc := newTestService(t, fc, nil)

	const n = 50
	var wg sync.WaitGroup
	results := make([]*ArticleView, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			results[i], errs[i] = svc.GetArticle(ctx, "<m1>")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: unexpected error: %v", i, err)
		}
		if results[i] == nil || results[i].MessageID != "<m1>" {
			t.Fatalf("caller %d: unexpected result: %+v", i, results[i])
		}
	}
	if got := fc.calls(); got != 1 {
		t.Fatalf("expected exactly 1 upstream ARTICLE call, got %d", got)
	}
}

// Scenario 6 groundwork: the Service itself keeps no negative cache; a
// missing article must come back as a typed NotFound so the federated layer
// can cache it.
func TestServiceGetArticleNotFound(t *testing.T) {
	fc := newFakeConn()
	svc := newTestService(t, fc, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := svc.GetArticle(ctx, "<missing>")
	if !isKind(err, KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

// Stats reports ready workers and accumulates total requests served.
func TestServiceStatsTracksWorkersAndRequests(t *testing.T) {
	fc := newFakeConn()
	fc.articles["<m1>"] = &nntpwire.Article{MessageID: "<m1>", Headers: map[string][]string{}, Body: "b"}

	cfg := config.NewDefaultServerConfig("test", "localhost", 119)
	cfg.WorkerCount = 2
	svc := newTestService(t, fc, cfg)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc.Stats().ReadyWorkers == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := svc.Stats().ReadyWorkers; got != 2 {
		t.Fatalf("expected 2 ready workers, got %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := svc.GetArticle(ctx, "<m1>"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := svc.Stats().TotalRequests; got != 1 {
		t.Fatalf("expected 1 total request recorded, got %d", got)
	}
	if got := svc.Stats().WorkerCount; got != 2 {
		t.Fatalf("expected worker count 2, got %d", got)
	}
}

// A Worker reaches Ready after connecting and moves to Terminated once its
// context is cancelled, per spec.md 4.1's state machine.
func TestWorkerReachesReadyThenTerminated(t *testing.T) {
	fc := newFakeConn()

	cfg := config.NewDefaultServerConfig("test", "localhost", 119)
	cfg.WorkerCount = 1

	high := make(chan *request, 1)
	normal := make(chan *request, 1)
	low := make(chan *request, 1)
	caps := &capsSlot{}
	w := NewWorker(cfg, func() (nntpwire.Conn, error) { return fc, nil }, high, normal, low, caps, LogSink{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.State() == stateReady {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := w.State(); got != stateReady {
		t.Fatalf("expected worker state Ready, got %v", got)
	}

	cancel()
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.State() == stateTerminated {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := w.State(); got != stateTerminated {
		t.Fatalf("expected worker state Terminated after cancel, got %v", got)
	}
}

// Scenario 2: a Low-priority request must complete within AGING_WINDOW
// even under continuous High-priority pressure.
func TestWorkerAgingGuaranteesLowProgress(t *testing.T) {
	fc := newFakeConn()
	fc.groups["g"] = nntpwire.GroupInfo{Name: "g", First: 1, Last: 1, Count: 1}

	cfg := config.NewDefaultServerConfig("test", "localhost", 119)
	cfg.WorkerCount = 1

	high := make(chan *request, 10)
	normal := make(chan *request, 10)
	low := make(chan *request, 10)
	caps := &capsSlot{}
	caps.set(fc.capabilities)
	w := NewWorker(cfg, func() (nntpwire.Conn, error) { return fc, nil }, high, normal, low, caps, LogSink{})
	w.agingWindow = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	lowReply := make(chan requestResult, 1)
	low <- &request{kind: actionGetGroupStats, group: "g", reply: lowReply}

	stopHigh := make(chan struct{})
	go func() {
		for {
			select {
			case <-stopHigh:
				return
			default:
			}
			reply := make(chan requestResult, 1)
			select {
			case high <- &request{kind: actionGetGroupStats, group: "g", reply: reply}:
			default:
			}
			time.Sleep(time.Millisecond)
		}
	}()
	defer close(stopHigh)

	select {
	case <-lowReply:
	case <-time.After(w.agingWindow + 2*time.Second):
		t.Fatalf("low-priority request did not complete within aging bound")
	}
}
