package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/kensuke/internal/config"
	"github.com/dreamware/kensuke/internal/coordinator"
	"github.com/dreamware/kensuke/internal/history"
	"github.com/dreamware/kensuke/internal/session"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().String("listen", "", "websocket listen address")
	cmd.Flags().String("api-listen", "", "metrics API listen address, empty to disable")
	a.bindFlags(cmd.Flags(), map[string]string{
		"listen":     config.KeyListen,
		"api-listen": config.KeyAPIListen,
	})
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	store, cfg, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	if cfg.File != "" {
		glog.Infof("Using config file %s", cfg.File)
	}

	sessions, err := session.Open(ctx, store.SessionLog())
	if err != nil {
		return err
	}
	hist := history.New(store)
	c := coordinator.New(store, sessions, hist, cfg.Options())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hist.Run(ctx, time.Duration(cfg.History.Flush))
	})
	g.Go(func() error {
		return c.Run(ctx)
	})
	g.Go(func() error {
		if err := coordinator.NewServer(c).ListenAndServe(ctx, cfg.Listen); err != nil {
			return fmt.Errorf("websocket server: %w", err)
		}
		return nil
	})
	if cfg.API.Listen != "" {
		g.Go(func() error {
			if err := serveAPI(ctx, cfg.API.Listen, newAPIServer(c)); err != nil {
				return fmt.Errorf("metrics API: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	glog.Infof("Coordinator stopped")
	return err
}
