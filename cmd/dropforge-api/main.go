package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dropforge-labs/dropforge/internal/auth"
	"github.com/dropforge-labs/dropforge/internal/blobstore"
	"github.com/dropforge-labs/dropforge/internal/collections"
	"github.com/dropforge-labs/dropforge/internal/config"
	"github.com/dropforge-labs/dropforge/internal/database"
	"github.com/dropforge-labs/dropforge/internal/ledger"
	"github.com/dropforge-labs/dropforge/internal/logging"
	"github.com/dropforge-labs/dropforge/internal/manifest"
	"github.com/dropforge-labs/dropforge/internal/redemption"
	"github.com/dropforge-labs/dropforge/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dropforge-api",
		Short: "Dropforge collection launchpad backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("blob-publisher-url", defaults.GetString("blob.publisher_url"), "Blob store publisher base URL")
	cmd.PersistentFlags().String("blob-aggregator-url", defaults.GetString("blob.aggregator_url"), "Blob store aggregator base URL")
	cmd.PersistentFlags().String("ledger-rpc-url", defaults.GetString("ledger.rpc_url"), "Ledger JSON-RPC endpoint")
	cmd.PersistentFlags().String("ledger-package-id", defaults.GetString("ledger.package_id"), "Dropforge move package id")
	cmd.PersistentFlags().String("ledger-registry-id", defaults.GetString("ledger.registry_id"), "Collection registry object id")
	cmd.PersistentFlags().String("app-base-url", defaults.GetString("app.base_url"), "Public base URL used in share links")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "blob.publisher_url", "blob-publisher-url")
	bindFlag(cmd, "blob.aggregator_url", "blob-aggregator-url")
	bindFlag(cmd, "ledger.rpc_url", "ledger-rpc-url")
	bindFlag(cmd, "ledger.package_id", "ledger-package-id")
	bindFlag(cmd, "ledger.registry_id", "ledger-registry-id")
	bindFlag(cmd, "app.base_url", "app-base-url")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	blobClient, err := blobstore.NewHTTPClient(blobstore.HTTPClientConfig{
		PublisherURL:  appConfig.BlobPublisherURL,
		AggregatorURL: appConfig.BlobAggregatorURL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	ledgerClient, err := ledger.NewRPCClient(ledger.RPCClientConfig{
		RPCURL: appConfig.LedgerRPCURL,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	registry, err := collections.NewService(collections.ServiceConfig{
		Ledger:     ledgerClient,
		BlobStore:  blobClient,
		Database:   db,
		PackageID:  appConfig.LedgerPackageID,
		RegistryID: appConfig.LedgerRegistryID,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	builder, err := manifest.NewBuilder(manifest.BuilderConfig{
		BlobStore: blobClient,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	coordinator, err := redemption.NewCoordinator(redemption.CoordinatorConfig{
		Ledger:     ledgerClient,
		Registry:   registry,
		PackageID:  appConfig.LedgerPackageID,
		IDProvider: redemption.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sessions := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:    sessions,
		Registry:    registry,
		Publisher:   builder,
		Coordinator: coordinator,
		AppBaseURL:  appConfig.AppBaseURL,
		QREndpoint:  appConfig.QREndpoint,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
