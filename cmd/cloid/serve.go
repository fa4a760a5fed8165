package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"cloid/internal/embed"
	"cloid/internal/httpapi"
	"cloid/internal/ollama"
	"cloid/internal/supervisor"
)

// pingProbe reports runtime readiness for /readyz.
type pingProbe struct{ c *ollama.Client }

func (p pingProbe) Ready(ctx context.Context) bool { return p.c.Ping(ctx) == nil }

// stopRuntime stops a spawned runtime and keeps its last output in the log.
func stopRuntime(sup *supervisor.Supervisor, log zerolog.Logger) {
	if err := sup.Stop(); err != nil {
		log.Warn().Err(err).Msg("stop runtime")
	}
	if tail := sup.Tail(); tail != "" {
		log.Debug().Str("output_tail", tail).Msg("runtime output")
	}
}

func newServeCmd(a *app) *cobra.Command {
	var (
		addr            string
		embedModel      string
		spawn           bool
		corsOrigins     string
		generateTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (embeddings and optimized generation)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("embed-model") {
				cfg.EmbedModel = embedModel
			}
			if cmd.Flags().Changed("spawn") {
				cfg.SpawnRuntime = spawn
			}
			if cmd.Flags().Changed("cors-origins") {
				cfg.CORSOrigins = splitCSV(corsOrigins)
				cfg.CORSEnabled = len(cfg.CORSOrigins) > 0
			}
			a.cfg = cfg

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.SpawnRuntime {
				sup, err := a.supervisor(false)
				if err != nil {
					return err
				}
				if err := sup.Start(ctx); err != nil {
					return err
				}
				defer stopRuntime(sup, a.log)
			}

			client, err := a.client()
			if err != nil {
				return err
			}
			opt, err := a.optimizer(client)
			if err != nil {
				return err
			}
			defer opt.Close()

			emb, err := embed.New(embed.Config{Model: cfg.EmbedModel, Logger: &a.log},
				ollama.Embedder{Client: client, Model: cfg.EmbedModel})
			if err != nil {
				return err
			}
			go func() {
				if err := emb.SelfTest(ctx); err != nil {
					a.log.Warn().Err(err).Str("model", cfg.EmbedModel).Msg("embedding self-test failed")
				}
			}()

			baseCtx, cancelBase := context.WithCancel(context.Background())
			defer cancelBase()
			mux := httpapi.NewMux(httpapi.Deps{
				Embedder:  emb,
				Generator: opt,
				Runtime:   pingProbe{c: client},
				Logger:    &a.log,
			}, httpapi.Options{
				GenerateTimeout: generateTimeout,
				LogLevel:        cfg.LogLevel,
				BaseContext:     baseCtx,
				CORS: httpapi.CORSOptions{
					Enabled:        cfg.CORSEnabled,
					AllowedOrigins: cfg.CORSOrigins,
				},
			})
			srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

			errc := make(chan error, 1)
			go func() {
				a.log.Info().Str("addr", listenURL(cfg.Addr)).Str("model", cfg.Model).Str("ollama", cfg.OllamaURL).Msg("cloid listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			a.log.Info().Msg("shutting down")
			cancelBase()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				a.log.Error().Err(err).Msg("graceful shutdown")
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "HTTP listen address (default :8080, env CLOID_ADDR)")
	f.StringVar(&embedModel, "embed-model", "", "Ollama embedding model")
	f.BoolVar(&spawn, "spawn", false, "Start `ollama serve` if nothing answers at --ollama-url")
	f.StringVar(&corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins; enables CORS")
	f.DurationVar(&generateTimeout, "generate-timeout", 0, "Upper bound for one /generate call (0 = none)")
	return cmd
}
