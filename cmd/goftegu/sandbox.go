package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/4xmen/goftegu/internal/fakeapi"
)

func newSandboxCmd(a *app) *cobra.Command {
	var empty bool
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Run an in-memory Messaging API with demo users",
		Long: `Run an in-memory Messaging API on PORT. Unless --empty is given it
is seeded with demo accounts (sara, reza, mina, omid, leila) sharing the
password printed at startup. State is lost on exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Environment == "production" {
				gin.SetMode(gin.ReleaseMode)
			}

			fake := fakeapi.New(a.cfg.JWTSecret,
				fakeapi.WithLogger(a.log.Named("sandbox")),
				fakeapi.WithMaxUploadSize(a.cfg.MaxUploadSize))
			defer fake.Close()
			if !empty {
				if err := fakeapi.SeedDemo(fake.Store()); err != nil {
					return errors.Wrap(err, "seed demo data")
				}
			}

			ln, err := net.Listen("tcp", "0.0.0.0:"+a.cfg.SandboxPort)
			if err != nil {
				return errors.Wrap(err, "listen")
			}
			return serveSandbox(cmd.Context(), a, fake, ln, empty)
		},
	}
	cmd.Flags().BoolVar(&empty, "empty", false, "start without demo data")
	return cmd
}

func serveSandbox(ctx context.Context, a *app, fake *fakeapi.Server, ln net.Listener, empty bool) error {
	srv := &http.Server{
		Handler:           fake.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Fprintf(a.out, "Sandbox API on http://%s/api\n", ln.Addr())
	if !empty {
		fmt.Fprintf(a.out, "Demo password for every account: %s\n", fakeapi.DemoPassword)
	}
	a.log.Info("sandbox started", zap.String("addr", ln.Addr().String()))

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return errors.Wrap(err, "serve")
	case <-ctx.Done():
	}

	a.log.Info("shutting down sandbox")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve")
	}
	return nil
}
