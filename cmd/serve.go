package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"pairsync/internal/config"
	"pairsync/internal/notify"
	"pairsync/internal/remote"
	"pairsync/internal/remote/memstore"
	"pairsync/internal/remote/pgstore"
	"pairsync/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Backend string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the record store dev server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().StringVar(&opts.Backend, "backend", "memory", "record store backend (memory|postgres)")

	return cmd
}

// clusterBackend adapts the in-memory cluster to the server's backend
// contract.
type clusterBackend struct {
	cluster *memstore.Cluster
}

func (b clusterBackend) Device(accountID string) remote.Store {
	return b.cluster.Device(accountID)
}

func runServe(opts *ServeOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	var backend server.Backend
	switch opts.Backend {
	case "memory":
		backend = clusterBackend{cluster: memstore.NewCluster(200)}
		log.Info().Msg("Using in-memory backend")
	case "postgres":
		db, err := pgxpool.New(context.Background(), cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		if err := db.Ping(context.Background()); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}
		store := pgstore.New(db, log.Logger)
		if err := store.Init(context.Background()); err != nil {
			return err
		}
		backend = store
		log.Info().Msg("Database connection established")
	default:
		return fmt.Errorf("unknown backend %q", opts.Backend)
	}

	var signer *server.S3Signer
	if cfg.AWS.S3Bucket != "" {
		signer, err = server.NewS3Signer(context.Background(),
			cfg.AWS.Region, cfg.AWS.S3Bucket, cfg.AWS.AccessKey, cfg.AWS.SecretKey,
			cfg.AWS.Endpoint, cfg.AWS.DisableSSL)
		if err != nil {
			return fmt.Errorf("failed to create S3 signer: %w", err)
		}
		log.Info().Str("bucket", cfg.AWS.S3Bucket).Msg("S3 asset signing enabled")
	}

	var push notify.Notifier
	if cfg.APNs.CertPath != "" {
		apns, err := notify.NewAPNS(cfg.APNs.CertPath, cfg.APNs.CertPassword, cfg.APNs.Topic)
		if err != nil {
			return fmt.Errorf("failed to create APNs client: %w", err)
		}
		push = apns
		log.Info().Str("topic", cfg.APNs.Topic).Msg("APNs push enabled")
	}

	auth := server.NewAuth(cfg.JWT.Secret)
	srv := server.New(backend, auth, signer, push, log.Logger)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("host", cfg.Server.Host).
			Int("port", cfg.Server.Port).
			Msg("Starting server")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	srv.Hub().Close()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
	return nil
}
