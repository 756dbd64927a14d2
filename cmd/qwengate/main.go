// Copyright 2025 Qwengate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// qwengate is an OAuth-fronted gateway that multiplexes OpenAI-compatible
// requests across a pool of Qwen accounts.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qwengate/qwengate/alert"
	"github.com/qwengate/qwengate/blob"
	"github.com/qwengate/qwengate/config"
	"github.com/qwengate/qwengate/log"
	"github.com/qwengate/qwengate/provider"
	"github.com/qwengate/qwengate/quota"
	"github.com/qwengate/qwengate/registry"
	"github.com/qwengate/qwengate/server"
	"github.com/qwengate/qwengate/sqlstore"
	"github.com/qwengate/qwengate/tasks"
	"github.com/qwengate/qwengate/util"
)

// version is stamped by the build.
var version = "dev"

const shutdownGrace = 10 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath, logLevel string

	root := &cobra.Command{
		Use:           "qwengate",
		Short:         "Qwen multi-account API gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.SetLevel(log.ParseLevel(logLevel))

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	})

	return root
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store blob.Store
	if cfg.RedisURL != "" {
		rs, err := blob.NewRedisStoreFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rs.Close()
		store = rs
	} else {
		log.Warnf("no redis configured, credentials are process-local")
		store = blob.NewMemoryStore()
	}

	dsn := cfg.SQLitePath
	if dsn == "" {
		log.Warnf("no sqlite path configured, usage counters are ephemeral")
		dsn = ":memory:"
	}
	db, err := sqlstore.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	qm := quota.NewManager(db, quota.Config{
		Chat:         quota.Limits{Daily: cfg.Quota.Chat.Daily, RPM: cfg.Quota.Chat.RPM},
		Search:       quota.Limits{Daily: cfg.Quota.Search.Daily, RPM: cfg.Quota.Search.RPM},
		SuccessAudit: cfg.Audit.SuccessLogs,
	})
	defer qm.Close()
	qm.RecordUptimeStart(ctx)

	reg := registry.New(db)
	if err := reg.SelfHeal(ctx); err != nil {
		log.Warnf("registry self-heal: %v", err)
	}

	runner := tasks.NewRunner(128)
	defer runner.Close()

	pool, err := provider.NewManager(provider.ManagerOptions{
		Store:            store,
		Registry:         reg,
		Quota:            qm,
		Tasks:            runner,
		ClientID:         cfg.QwenOAuthClientID,
		StaticKeys:       cfg.Providers.Qwen.AuthFiles,
		DefaultBase:      cfg.DefaultBaseURL,
		ScanInterval:     cfg.ScanInterval(),
		FullScanInterval: cfg.FullScanInterval(),
	})
	if err != nil {
		return err
	}
	if err := pool.Start(ctx); err != nil {
		// serve anyway: accounts can still be enrolled through the admin API
		log.Warnf("initial pool scan: %v", err)
	}
	log.Infof("pool ready with %d provider(s)", pool.Count())

	engine, err := alert.NewEngine(alert.Options{
		DB:                    db,
		Store:                 store,
		WebhookURL:            cfg.Alert.WebhookURL,
		ProviderIDs:           pool.IDs,
		PerAccountDailyLimit:  cfg.Quota.Chat.Daily,
		QuotaThresholdPercent: cfg.Alert.QuotaThresholdPercent,
	})
	if err != nil {
		return err
	}
	looper := util.Looper{Backoff: util.DefaultExponentialBackoff()}
	looper.Start(ctx, engine.Tick, cfg.AlertInterval(), util.LogErrorsHandler())

	srv, err := server.New(server.Options{
		Config:   cfg,
		Pool:     pool,
		Quota:    qm,
		Registry: reg,
		Store:    store,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: srv.Handler(),
	}
	go func() {
		<-ctx.Done()
		log.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	}()

	log.Infof("qwengate %s listening on %s", version, cfg.Listen)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
