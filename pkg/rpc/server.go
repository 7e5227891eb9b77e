package rpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cobalt-rm/cobalt/pkg/metrics"
	"github.com/gorilla/mux"
)

// Handler implements one exposed method. args is the JSON array of
// positional arguments from the request body; the handler decodes the
// positions it expects. Returning a non-nil *Fault short-circuits the
// response with that fault; returning a plain error is wrapped with
// AsFault as an internal fault.
type Handler func(ctx context.Context, args json.RawMessage) (result any, fault *Fault, err error)

// Server is the HTTP+JSON RPC dispatcher every Cobalt component embeds.
// Requests are POST /rpc/<method> with a JSON array of positional
// arguments; responses carry either a result or a numeric-coded fault.
type Server struct {
	name     string
	router   *mux.Router
	methods  map[string]Handler
	secret   Authenticator
	httpSrv  *http.Server
}

// Authenticator verifies the shared-secret bearer token on every request.
type Authenticator interface {
	Verify(token string) bool
}

// NewServer creates a dispatcher for a component named name, serving
// POST /rpc/{method} and GET /healthz.
func NewServer(name string, secret Authenticator) *Server {
	s := &Server{
		name:    name,
		router:  mux.NewRouter(),
		methods: make(map[string]Handler),
		secret:  secret,
	}
	s.router.HandleFunc("/rpc/{method}", s.dispatch).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	return s
}

// Expose registers an exposed method by its wire name (e.g. "add_jobs").
func (s *Server) Expose(method string, h Handler) {
	s.methods[method] = h
}

// HandleFunc mounts a raw HTTP handler outside the RPC envelope, guarded
// by the same shared-secret check. QM uses this for the websocket
// job-event stream cqwait subscribes to.
func (s *Server) HandleFunc(path string, h http.HandlerFunc) {
	s.router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if s.secret != nil {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !s.secret.Verify(token) {
				http.Error(w, "authentication failed", http.StatusUnauthorized)
				return
			}
		}
		h(w, r)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	method := mux.Vars(r)["method"]

	if s.secret != nil {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !s.secret.Verify(token) {
			s.writeFault(w, &Fault{Code: FaultInternal, Message: "authentication failed"})
			metrics.RPCRequestsTotal.WithLabelValues(method, "unauthenticated").Inc()
			return
		}
	}

	handler, ok := s.methods[method]
	if !ok {
		s.writeFault(w, NewFault(FaultNotFound, "unknown method %q", method))
		metrics.RPCRequestsTotal.WithLabelValues(method, "unknown_method").Inc()
		return
	}

	var args json.RawMessage
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			s.writeFault(w, NewFault(FaultQueueJob, "malformed request body: %v", err))
			metrics.RPCRequestsTotal.WithLabelValues(method, "bad_request").Inc()
			return
		}
	}

	timer := metrics.NewTimer()
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	result, fault, err := handler(ctx, args)
	timer.ObserveDurationVec(metrics.RPCRequestDuration, method)

	if err != nil && fault == nil {
		fault = AsFault(err)
	}
	if fault != nil {
		s.writeFault(w, fault)
		metrics.RPCRequestsTotal.WithLabelValues(method, "fault").Inc()
		return
	}

	metrics.RPCRequestsTotal.WithLabelValues(method, "ok").Inc()
	s.writeResult(w, result)
}

func (s *Server) writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}

func (s *Server) writeFault(w http.ResponseWriter, f *Fault) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // faults are a payload shape, not a transport error
	_ = json.NewEncoder(w).Encode(map[string]any{"fault": f})
}

// ListenAndServeTLS starts the dispatcher on addr using cert for the TLS
// listener. Blocks until the server stops or ctx is canceled.
func (s *Server) ListenAndServeTLS(ctx context.Context, addr string, cert tls.Certificate) error {
	s.httpSrv = &http.Server{
		Addr:      addr,
		Handler:   s.router,
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
	}

	errCh := make(chan error, 1)
	go func() {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			errCh <- fmt.Errorf("listen on %s: %w", addr, err)
			return
		}
		tlsLn := tls.NewListener(ln, s.httpSrv.TLSConfig)
		errCh <- s.httpSrv.Serve(tlsLn)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
