package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gfx.cafe/gfx/pgrouter/lib/config"
	"gfx.cafe/gfx/pgrouter/lib/router"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use: "pgrouterd --config `path-to-config`",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := zap.NewProduction()
		if err != nil {
			return err
		}
		defer logger.Sync()

		global, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		rt := router.New(router.WithLogger(logger))
		if updates := rt.Reconfigure(global.BuildRules()); updates > 0 {
			logger.Info("installed rules", zap.Int("obsoleted", updates))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		interval := time.Duration(global.General.ExpireInterval) * time.Millisecond
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		logger.Info("pgrouterd started", zap.String("config", cfgPath))
		for {
			select {
			case <-ctx.Done():
				logger.Info("pgrouterd shutting down")
				return nil
			case <-ticker.C:
				expired := rt.Expire()
				for _, e := range expired {
					logger.Debug("server expired",
						zap.String("route_db", e.Route.ID().Database),
						zap.String("route_user", e.Route.ID().User),
						zap.String("server_id", e.Server.ID.String()),
					)
				}
				if freed := rt.GC(); freed > 0 {
					logger.Info("routes collected", zap.Int("count", freed))
				}
				for _, s := range rt.Stat() {
					logger.Info("route stat",
						zap.String("rule", s.RuleName),
						zap.String("route_db", s.ID.Database),
						zap.String("route_user", s.ID.User),
						zap.Int("clients", s.Clients),
						zap.Int("servers", s.Servers),
					)
				}
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "/etc/pgrouter/pgrouter.yaml", "path to config file")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("fatal error", zap.Error(err))
	}
}

func main() {
	Execute()
}
