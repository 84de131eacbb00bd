package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/calcmei/internal/events"
	"github.com/iliyamo/calcmei/internal/router"
)

func newServeCmd(c *cli) *cobra.Command {
	var migrate bool
	cmd := cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the session sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.close()
			if migrate {
				if _, err := a.db.Migrate(ctx, c.logger); err != nil {
					return err
				}
			}
			return serve(ctx, c, a)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply pending migrations before serving")
	return &cmd
}

func serve(ctx context.Context, c *cli, a *app) error {
	e := router.New(a.routes)
	e.Use(echomw.Recover())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(ec echo.Context, v echomw.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("path", v.URIPath),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("ip", v.RemoteIP),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("err", v.Error.Error()))
			}
			c.logger.LogAttrs(ec.Request().Context(), level, "request", attrs...)
			return nil
		},
	}))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   c.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-Quota-Limit", "X-Quota-Remaining"},
		AllowCredentials: true,
	})
	srv := &http.Server{
		Addr:              ":" + c.cfg.Port,
		Handler:           corsHandler.Handler(e),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.logger.Info("listening", "addr", srv.Addr, "env", c.cfg.Env, "db", c.cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		c.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		every := c.cfg.SweepInterval
		if every <= 0 {
			every = time.Hour
		}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				sweep(ctx, c.logger, a)
			}
		}
	})
	return g.Wait()
}

func sweep(ctx context.Context, logger *slog.Logger, a *app) {
	sessions, resets, err := a.auth.SweepExpired(ctx)
	if err != nil {
		logger.Error("sweep failed", "err", err)
		return
	}
	logger.Info("swept expired rows", "sessions", sessions, "reset_tokens", resets)
}

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			n, err := db.Migrate(cmd.Context(), c.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	}
}

func newSweepCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired sessions and password reset tokens once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.close()
			sessions, resets, err := a.auth.SweepExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d session(s), %d reset token(s)\n", sessions, resets)
			return nil
		},
	}
}

func newAuditCmd(c *cli) *cobra.Command {
	var file string
	cmd := cobra.Command{
		Use:   "audit",
		Short: "Consume auth events from the broker and write an audit log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Events.URL == "" {
				return errors.New("audit needs RABBITMQ_URL or AMQP_URL")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var sink *events.FileSink
			if file != "" {
				sink = events.NewFileSink(file)
			}
			err := events.Consume(ctx, c.cfg.Events.URL, c.cfg.Events.Queue, c.logger, func(ctx context.Context, ev events.Event) error {
				c.logger.Info("audit", "line", events.AuditLine(ev))
				if sink != nil {
					return sink.Handle(ctx, ev)
				}
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "append audit lines to this file")
	return &cmd
}
