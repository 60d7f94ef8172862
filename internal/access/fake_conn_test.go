package access

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-while/ng-gateway/internal/nntpwire"
)

// fakeConn is a hand-written nntpwire.Conn fake for testing the access
// layer without a real NNTP server, per SPEC_FULL.md's ambient test-tooling
// section.
type fakeConn struct {
	mu sync.Mutex

	articles map[string]*nntpwire.Article
	groups   map[string]nntpwire.GroupInfo
	overview map[string][]nntpwire.OverviewLine

	delay       time.Duration
	articleCalls int32

	failArticle error // if set, Article() always returns this error
	failGroup   error // if set, Group() always returns this error
	capabilities nntpwire.Capabilities

	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		articles: map[string]*nntpwire.Article{},
		groups:   map[string]nntpwire.GroupInfo{},
		overview: map[string][]nntpwire.OverviewLine{},
		capabilities: nntpwire.Capabilities{
			SupportsOver: true,
			SupportsHdr:  true,
			SupportsPost: true,
			Retrieved:    true,
			ListVariants: map[string]bool{},
		},
	}
}

func (f *fakeConn) Capabilities() (nntpwire.Capabilities, error) { return f.capabilities, nil }
func (f *fakeConn) ModeReader() error                            { return nil }
func (f *fakeConn) Authenticate(user, password string) error     { return nil }

func (f *fakeConn) Group(name string) (nntpwire.GroupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGroup != nil {
		return nntpwire.GroupInfo{}, f.failGroup
	}
	info, ok := f.groups[name]
	if !ok {
		return nntpwire.GroupInfo{}, nntpwire.ErrNoSuchGroup
	}
	return info, nil
}

func (f *fakeConn) Article(messageID string) (*nntpwire.Article, error) {
	atomic.AddInt32(&f.articleCalls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failArticle != nil {
		return nil, f.failArticle
	}
	art, ok := f.articles[messageID]
	if !ok {
		return nil, nntpwire.ErrNoSuchArticle
	}
	return art, nil
}

func (f *fakeConn) Head(messageID string) (*nntpwire.Article, error) {
	art, err := f.Article(messageID)
	if err != nil {
		return nil, err
	}
	return &nntpwire.Article{MessageID: art.MessageID, Headers: art.Headers}, nil
}

func (f *fakeConn) Stat(messageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.articles[messageID]
	return ok, nil
}

func (f *fakeConn) Over(first, last int64) ([]nntpwire.OverviewLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []nntpwire.OverviewLine
	for _, lines := range f.overview {
		for _, l := range lines {
			if l.ArticleNum >= first && l.ArticleNum <= last {
				out = append(out, l)
			}
		}
	}
	return out, nil
}

func (f *fakeConn) Hdr(field string, first, last int64) ([]nntpwire.HeaderLine, error) {
	return nil, nil
}

func (f *fakeConn) ListActive() ([]nntpwire.GroupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]nntpwire.GroupInfo, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeConn) ListNewsgroups() (map[string]string, error) { return map[string]string{}, nil }

func (f *fakeConn) Post(article []byte) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) calls() int32 { return atomic.LoadInt32(&f.articleCalls) }
