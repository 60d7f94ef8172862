package access

import "sync/atomic"

// ServiceStats mirrors go-pugleaf's PoolStats for a Service's worker pool: a
// live view of how many Workers are currently connected, how many
// reconnect cycles the pool has been through, and how many requests it has
// served. Grounded in nntp-backend-pool.go's Pool.Stats()/PoolStats, the
// natural counterpart for a pool of persistent connections.
type ServiceStats struct {
	WorkerCount     int
	ReadyWorkers    int
	TotalReconnects int64
	TotalRequests   int64
}

// serviceStats is the mutable, atomically-updated backing store shared
// between a Service and every Worker it owns.
type serviceStats struct {
	workerCount     int
	readyWorkers    int32
	totalReconnects int64
	totalRequests   int64
}

func (s *serviceStats) snapshot() ServiceStats {
	return ServiceStats{
		WorkerCount:     s.workerCount,
		ReadyWorkers:    int(atomic.LoadInt32(&s.readyWorkers)),
		TotalReconnects: atomic.LoadInt64(&s.totalReconnects),
		TotalRequests:   atomic.LoadInt64(&s.totalRequests),
	}
}
