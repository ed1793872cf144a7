package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"

	"groupjam/server/internal/auth"
	"groupjam/server/internal/httpapi"
	"groupjam/server/internal/ratelimit"
	"groupjam/server/internal/registry"
	"groupjam/server/internal/ws"
)

// newRootCmd builds the cobra command tree: `serve` runs the
// coordination backend, `version` prints the build stamp. This
// replaces the teacher's hand-rolled os.Args[1] dispatch (cli.go's
// RunCLI) with a conventional cobra.Command tree in the same spirit —
// flags bound at construction, RunE does the work.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "groupjam-server",
		Short:         "Coordination backend for multi-device group-listening sessions",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "groupjam-server %s\n", version)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var port string
	var jwtSecret string
	var logFormat string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP + WebSocket coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if v := os.Getenv("PORT"); v != "" {
				port = v
			}
			if v := os.Getenv("JWT_SECRET"); v != "" {
				jwtSecret = v
			}
			return runServe(cmd.Context(), serveConfig{
				port:      port,
				jwtSecret: jwtSecret,
				logFormat: logFormat,
			})
		},
	}

	cmd.Flags().StringVar(&port, "port", "3000", "listen port (overridden by $PORT)")
	cmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "bearer token signing secret (overridden by $JWT_SECRET; random if unset)")
	cmd.Flags().StringVar(&logFormat, "log-format", "console", "log output format: console or json")

	return cmd
}

type serveConfig struct {
	port      string
	jwtSecret string
	logFormat string
}

func newLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
}

// randomSecret mints a process-wide random signing key when JWT_SECRET
// is unset, per spec.md §6.3's "cryptographically-random if absent"
// contract.
func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func runServe(ctx context.Context, cfg serveConfig) error {
	log := newLogger(cfg.logFormat)

	secret := cfg.jwtSecret
	if secret == "" {
		generated, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generate jwt secret: %w", err)
		}
		secret = generated
		log.Warn().Msg("JWT_SECRET not set; generated a random signing secret for this process")
	}

	reg := registry.New(log.With().Str("component", "registry").Logger())
	authSvc := auth.NewService(secret, reg, log.With().Str("component", "auth").Logger())
	gate := ratelimit.NewGate()
	wsSrv := ws.NewServer(authSvc, reg, log.With().Str("component", "ws").Logger())
	httpSrv := httpapi.New(authSvc, reg, gate, log.With().Str("component", "httpapi").Logger(), wsSrv)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpSrv.Run(gCtx, ":"+cfg.port)
	})

	g.Go(func() error {
		gate.Run()
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		gate.Close()
		return nil
	})

	g.Go(func() error {
		wsSrv.RunLivenessSweep(gCtx.Done())
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				reg.SweepIdle()
			case <-gCtx.Done():
				return nil
			}
		}
	})

	log.Info().Str("port", cfg.port).Msg("groupjam coordination server starting")
	return g.Wait()
}
