package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-while/ng-gateway/internal/config"
	"github.com/go-while/ng-gateway/internal/nntpwire"
)

var errSimulatedTransportFailure = errors.New("simulated connection reset")

// Scenario 3 of spec.md section 8: server A (rank 1) fails transport, B
// (rank 2) succeeds; the caller receives B's result.
func TestFederatedServiceFailsOverOnTransportError(t *testing.T) {
	fcA := newFakeConn()
	fcA.failGroup = errSimulatedTransportFailure
	fcB := newFakeConn()
	fcB.groups["g"] = nntpwire.GroupInfo{Name: "g", First: 1, Last: 1, Count: 1}
	fcB.overview["g"] = []nntpwire.OverviewLine{{ArticleNum: 1, MessageID: "<1@b>", Subject: "hi"}}

	cfgA := config.NewDefaultServerConfig("A", "a.example.net", 119)
	cfgA.Rank = 1
	cfgA.WorkerCount = 1
	cfgB := config.NewDefaultServerConfig("B", "b.example.net", 119)
	cfgB.Rank = 2
	cfgB.WorkerCount = 1

	dialFor := func(cfg *config.ServerConfig) func() (nntpwire.Conn, error) {
		if cfg.Name == "A" {
			return func() (nntpwire.Conn, error) { return fcA, nil }
		}
		return func() (nntpwire.Conn, error) { return fcB, nil }
	}

	fed := NewFederatedService([]*config.ServerConfig{cfgA, cfgB}, dialFor, LogSink{})
	t.Cleanup(func() { fed.Shutdown(time.Second) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	overviews, err := fed.GetThreads(ctx, "g")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(overviews.Threads) != 1 || overviews.Threads[0].RootMessageID != "<1@b>" {
		t.Fatalf("expected thread from server B, got %+v", overviews.Threads)
	}
}

// Scenario 6: once GetArticle resolves NotFound, the federated layer's
// negative cache must answer subsequent calls without another upstream
// call within the negative TTL.
func TestFederatedServiceNegativeCaching(t *testing.T) {
	fc := newFakeConn()
	cfg := config.NewDefaultServerConfig("only", "only.example.net", 119)
	cfg.WorkerCount = 1

	fed := NewFederatedService([]*config.ServerConfig{cfg}, func(*config.ServerConfig) func() (nntpwire.Conn, error) {
		return func() (nntpwire.Conn, error) { return fc, nil }
	}, LogSink{})
	t.Cleanup(func() { fed.Shutdown(time.Second) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := fed.GetArticle(ctx, "<missing>"); !isKind(err, KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	callsAfterFirst := fc.calls()

	for i := 0; i < 5; i++ {
		if _, err := fed.GetArticle(ctx, "<missing>"); !isKind(err, KindNotFound) {
			t.Fatalf("expected NotFound on repeat call, got %v", err)
		}
	}
	if fc.calls() != callsAfterFirst {
		t.Fatalf("expected no further upstream calls once negatively cached, before=%d after=%d", callsAfterFirst, fc.calls())
	}
}

// Scenario 4: incremental refresh raises the high-water-mark and merges
// new articles by References into the existing cache entry.
func TestMergeCachedThreadsRaisesWatermarkMonotonically(t *testing.T) {
	existing := &CachedThreads{
		HighWaterMark: 100,
		Threads: []ThreadView{
			{RootMessageID: "<100@a>", Articles: []Overview{{ArticleNum: 100, MessageID: "<100@a>"}}},
		},
	}
	newArticles := []Overview{
		{ArticleNum: 101, MessageID: "<101@a>", References: []string{"<100@a>"}, DateTime: time.Now()},
		{ArticleNum: 103, MessageID: "<103@a>", DateTime: time.Now()},
	}

	merged := mergeCachedThreads(existing, newArticles)
	if merged.HighWaterMark != 103 {
		t.Fatalf("expected watermark 103, got %d", merged.HighWaterMark)
	}

	var rootThread *ThreadView
	for i := range merged.Threads {
		if merged.Threads[i].RootMessageID == "<100@a>" {
			rootThread = &merged.Threads[i]
		}
	}
	if rootThread == nil || len(rootThread.Articles) != 2 {
		t.Fatalf("expected reply merged into existing root thread, got %+v", merged.Threads)
	}
}
