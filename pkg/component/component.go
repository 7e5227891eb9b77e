// Package component is the shared daemon runtime behind regd, smd, qmd,
// and schd: it wires a component's RPC server, registry registration and
// heartbeat, automatic-task loop, and metrics listener into one Run call,
// so each daemon's main stays a thin cobra command.
package component

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go"

	"github.com/cobalt-rm/cobalt/pkg/log"
	"github.com/cobalt-rm/cobalt/pkg/metrics"
	"github.com/cobalt-rm/cobalt/pkg/registry"
	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/security"
)

// Options describes one daemon to Run.
type Options struct {
	// Name is the logical component name registered with REG
	// ("queue-manager", "system", "scheduler").
	Name string

	BindAddr    string
	MetricsAddr string // empty disables the metrics listener

	// RegistryAddr is REG's endpoint; empty skips registration (REG
	// itself runs with this empty).
	RegistryAddr string

	Secret *security.SharedSecret
	Server *rpc.Server
	Tasks  []rpc.AutoTask
}

const heartbeatPeriod = 10 * time.Second

// Run serves the component until SIGINT/SIGTERM or a fatal error.
func Run(ctx context.Context, opts Options) error {
	logger := log.WithComponent(opts.Name)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ca, err := security.NewCertAuthority()
	if err != nil {
		return fmt.Errorf("bootstrap certificate authority: %w", err)
	}
	cert, err := ca.IssueServerCert([]string{"localhost"})
	if err != nil {
		return fmt.Errorf("issue listener certificate: %w", err)
	}

	tasks := opts.Tasks
	if opts.RegistryAddr != "" {
		reg := registry.NewClient(opts.RegistryAddr, opts.Secret.Token(), true)
		err := retry.Do(
			func() error { return reg.Register(ctx, opts.Name, opts.BindAddr) },
			retry.Context(ctx),
			retry.Attempts(10),
			retry.Delay(time.Second),
		)
		if err != nil {
			return fmt.Errorf("register %s with registry at %s: %w", opts.Name, opts.RegistryAddr, err)
		}

		hb := rpc.NewFailureMode(log.Logger, opts.Name+"-heartbeat")
		tasks = append(tasks, rpc.AutoTask{
			Name:   "registry-heartbeat",
			Period: heartbeatPeriod,
			Handler: func(ctx context.Context) error {
				if err := reg.Heartbeat(ctx, opts.Name); err != nil {
					hb.Fail(err)
					// REG may have restarted and lost this entry.
					return reg.Register(ctx, opts.Name, opts.BindAddr)
				}
				hb.Pass()
				return nil
			},
		})
	}

	errCh := make(chan error, 3)

	go func() {
		logger.Info().Str("addr", opts.BindAddr).Msg("serving RPC")
		errCh <- opts.Server.ListenAndServeTLS(ctx, opts.BindAddr, cert)
	}()

	if len(tasks) > 0 {
		runner := rpc.NewTaskRunner(logger, tasks...)
		go func() {
			runner.Run(ctx, time.Second)
			errCh <- nil
		}()
	}

	if opts.MetricsAddr != "" {
		go func() { errCh <- serveMetrics(ctx, opts.MetricsAddr) }()
	}

	select {
	case <-ctx.Done():
		// Give the RPC server its shutdown window.
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
