// Command nntp-gateway wires a FederatedService from a small hardcoded set
// of upstream servers and exercises it once at startup. The HTTP router
// fronting this with get_article/get_threads/etc. is an external
// collaborator (see SPEC_FULL.md); this binary only demonstrates wiring the
// core, the way go-pugleaf's cmd/ binaries each wire one concern of the
// larger application.
package main

import (
	"context"
	"log"
	"time"

	"github.com/go-while/ng-gateway/internal/access"
	"github.com/go-while/ng-gateway/internal/config"
	"github.com/go-while/ng-gateway/internal/nntpwire"
)

func main() {
	servers := []*config.ServerConfig{
		newsServer("primary", "news.example.net", 563, config.TLSImplicit, 1, 4),
		newsServer("backup", "news2.example.net", 119, config.TLSNone, 2, 2),
	}

	dialFor := func(cfg *config.ServerConfig) func() (nntpwire.Conn, error) {
		return func() (nntpwire.Conn, error) {
			return nntpwire.Dial(nntpwire.DialConfig{
				Host:           cfg.Host,
				Port:           cfg.Port,
				TLS:            cfg.TLS == config.TLSImplicit,
				ConnectTimeout: cfg.ConnectTimeout,
			})
		}
	}

	fed := access.NewFederatedService(servers, dialFor, access.LogSink{})
	defer func() {
		if err := fed.Shutdown(config.DefaultShutdownDeadline); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	catalog, err := fed.GetGroups(ctx)
	if err != nil {
		log.Printf("get_groups: %v", err)
		return
	}
	log.Printf("gateway ready: %d newsgroups visible", len(catalog.Groups))
}

func newsServer(name, host string, port int, tlsMode config.TLSMode, rank, workers int) *config.ServerConfig {
	cfg := config.NewDefaultServerConfig(name, host, port)
	cfg.TLS = tlsMode
	cfg.Rank = rank
	cfg.WorkerCount = workers
	return cfg
}
