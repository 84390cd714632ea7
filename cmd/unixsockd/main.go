// Command unixsockd is a small demo daemon exercising the unix socket
// router end to end: it binds and listens on a configured path, accepts
// connections in a loop, and echoes whatever it reads back to the caller.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/nabbar/libos-unixsock/address"
	"github.com/nabbar/libos-unixsock/config"
	"github.com/nabbar/libos-unixsock/hostpolicy"
	"github.com/nabbar/libos-unixsock/metrics"
	"github.com/nabbar/libos-unixsock/registry"
	"github.com/nabbar/libos-unixsock/socket"
)

func main() {
	v := viper.New()
	log := logrus.New()

	root := &cobra.Command{
		Use:   "unixsockd",
		Short: "demo unix-domain socket daemon over the libos router",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, log)
		},
	}

	if err := config.BindFlags(root, v); err != nil {
		log.WithError(err).Fatal("bind flags")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		log.WithError(err).Fatal("unixsockd exited with error")
	}
}

func run(ctx context.Context, v *viper.Viper, log *logrus.Logger) error {
	cfg := config.Load(v)

	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log.SetLevel(lvl)
	entry := logrus.NewEntry(log)

	policy, err := hostpolicy.NewPolicy(cfg.HostPaths)
	if err != nil {
		return fmt.Errorf("build host policy: %w", err)
	}

	collectors := metrics.NewCollectors()
	collectors.MustRegister(prometheus.DefaultRegisterer)

	reg := registry.New()

	srv, err := socket.New(unix.SOCK_STREAM, 0, 0, reg, policy, entry)
	if err != nil {
		return fmt.Errorf("create listening socket: %w", err)
	}
	defer srv.Close()

	addr, err := address.NewUnixAddr(cfg.ListenPath)
	if err != nil {
		return fmt.Errorf("build listen address: %w", err)
	}
	if err := srv.Bind(addr); err != nil {
		return fmt.Errorf("bind %s: %w", cfg.ListenPath, err)
	}
	if err := srv.Listen(16); err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenPath, err)
	}
	collectors.RegistryEntries.Set(float64(reg.Len()))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveMetrics(gctx, entry)
	})

	g.Go(func() error {
		return acceptLoop(gctx, srv, collectors, entry)
	})

	return g.Wait()
}

func serveMetrics(ctx context.Context, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: ":9421", Handler: mux}

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	log.Info("metrics listening on :9421/metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func acceptLoop(ctx context.Context, srv *socket.UnixSocket, collectors *metrics.Collectors, log *logrus.Entry) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, _, err := srv.Accept(0, nil)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				// accept is always non-blocking by design; back off
				// briefly instead of spinning the CPU on an empty queue.
				time.Sleep(10 * time.Millisecond)
				continue
			}
			log.WithError(err).Warn("accept failed")
			continue
		}

		collectors.AcceptsTotal.Inc()
		go handleConn(conn, collectors, log)
	}
}

func handleConn(conn *socket.UnixSocket, collectors *metrics.Collectors, log *logrus.Entry) {
	defer conn.Close()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) {
				log.WithError(err).Debug("connection closed")
			}
			return
		}
		collectors.BytesReadTotal.Add(float64(n))

		if _, err := conn.Write(buf[:n]); err != nil {
			log.WithError(err).Debug("write failed")
			return
		}
		collectors.BytesWrittenTotal.Add(float64(n))
	}
}
