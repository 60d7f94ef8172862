package access

import (
	"golang.org/x/sync/singleflight"
)

// pendingGroup coalesces concurrent calls sharing a key into one execution,
// backing spec.md section 4.2's "pending" map: at most one call per key is
// in flight, and every waiter shares its result. The "subscribe only if the
// in-flight call started within request_timeout" rule is already enforced
// by the in-flight call itself, which times out on its own reply/context
// deadlines (Service.dispatch) and releases every waiter at that point,
// rather than needing a second timestamp check here. Grounded in
// other_examples' groupcache excerpt (loadGroup: &singleflight.Group{})
// generalized to typed results.
type pendingGroup struct {
	sf singleflight.Group
}

func newPendingGroup() *pendingGroup {
	return &pendingGroup{}
}

// do executes fn, coalescing concurrent callers sharing key. shared reports
// whether this caller joined a call another goroutine initiated.
func (p *pendingGroup) do(key string, fn func() (any, error)) (value any, shared bool, err error) {
	return p.sf.Do(key, fn)
}
