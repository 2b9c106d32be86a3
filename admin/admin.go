// Package admin implements the introspection surface from
// SPEC_FULL.md's domain-stack expansion: a REST endpoint for quick
// curl-able inspection, and a JSON-RPC endpoint for programmatic
// tooling, both serving a snapshot of one peer's node/handle tables.
// Grounded on the teacher's service.StartRPC/RegisterRPC (gorilla/mux
// router over a context-cancelable http.Server); this package is also
// where gorilla/rpc — declared in the teacher's go.mod but never
// actually wired to a handler — gets a genuine JSON-RPC codec home.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bfix/gospel/logger"
	"github.com/gorilla/mux"
	gorpc "github.com/gorilla/rpc"
	gorpcjson "github.com/gorilla/rpc/json"

	"github.com/trotux/libbus1-go/kernel"
)

// Inspectable is the narrow capability admin needs from a peer.Peer,
// kept as an interface so this package never imports peer directly
// (peer has no business importing admin back).
type Inspectable interface {
	FD() int
	NodeIDs() []kernel.ID
	HandleIDs() []kernel.ID
}

// Snapshot is the introspection payload served by both the REST and
// RPC surfaces.
type Snapshot struct {
	FD      int          `json:"fd"`
	Nodes   []kernel.ID  `json:"nodes"`
	Handles []kernel.ID  `json:"handles"`
}

func snapshot(p Inspectable) Snapshot {
	return Snapshot{FD: p.FD(), Nodes: p.NodeIDs(), Handles: p.HandleIDs()}
}

// Service is the gorilla/rpc method receiver; its exported methods
// become the "Service.Method" JSON-RPC surface.
type Service struct {
	peer Inspectable
}

// SnapshotArgs is unused but required by the gorilla/rpc calling
// convention (every registered method takes (args, reply)).
type SnapshotArgs struct{}

// Snapshot is the one RPC method exposed: the current peer snapshot.
func (s *Service) Snapshot(r *http.Request, args *SnapshotArgs, reply *Snapshot) error {
	*reply = snapshot(s.peer)
	return nil
}

// Server hosts both the REST and JSON-RPC introspection surfaces.
type Server struct {
	peer Inspectable
	http *http.Server
}

// NewServer builds a Server bound to addr, serving introspection for
// peer. It does not start listening until Start is called.
func NewServer(addr string, peer Inspectable) (*Server, error) {
	router := mux.NewRouter()

	router.HandleFunc("/v1/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot(peer)); err != nil {
			logger.Printf(logger.WARN, "[admin] encode snapshot: %v", err)
		}
	}).Methods(http.MethodGet)

	rpcServer := gorpc.NewServer()
	rpcServer.RegisterCodec(gorpcjson.NewCodec(), "application/json")
	if err := rpcServer.RegisterService(&Service{peer: peer}, ""); err != nil {
		return nil, err
	}
	router.Handle("/v1/rpc", rpcServer).Methods(http.MethodPost)

	return &Server{
		peer: peer,
		http: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
	}, nil
}

// Start runs the server until ctx is canceled (spec.md ambient "admin
// surface is context-cancelable", grounded on the teacher's
// StartRPC/ctx.Done shutdown pattern).
func (s *Server) Start(ctx context.Context) {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf(logger.WARN, "[admin] listen failed: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			logger.Printf(logger.WARN, "[admin] shutdown failed: %v", err)
		}
	}()
}
