package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"silo/internal/chunkserver"
	"silo/internal/transport"
)

func newChunkserverCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chunkserver",
		Short: "Run a chunkserver",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return runChunkserver(ctx, logger, cmd)
		},
	}

	cmd.Flags().String("chunkserver-hostname", "localhost", "hostname clients verify in the server certificate")
	cmd.Flags().String("rack-id", "default", "failure-domain label for placement")
	cmd.Flags().String("advertised-external-addr", "", "client-reachable address announced to the metadata server")
	cmd.Flags().String("advertised-internal-addr", "", "peer-reachable address announced to the metadata server")
	cmd.Flags().String("client-socket-addr", ":4710", "client-facing listen address")
	cmd.Flags().String("internal-socket-addr", ":4711", "internal listen address")
	cmd.Flags().String("metadata-server-hostname", "localhost", "hostname to verify in the metadata server certificate")
	cmd.Flags().String("metadata-server-addr", "localhost:4701", "metadata server internal address")
	cmd.Flags().String("tmp-root", "", "staging directory for in-flight uploads")
	cmd.Flags().String("final-root", "", "directory for committed chunks (same filesystem as --tmp-root)")
	cmd.Flags().Uint64("advertised-capacity", 0, "cap on advertised available space in bytes (0 = disk only)")
	addServerTLSFlags(cmd)
	addClientTLSFlags(cmd)

	_ = cmd.MarkFlagRequired("tmp-root")
	_ = cmd.MarkFlagRequired("final-root")
	_ = cmd.MarkFlagRequired("advertised-external-addr")
	_ = cmd.MarkFlagRequired("advertised-internal-addr")

	return cmd
}

func runChunkserver(ctx context.Context, logger *slog.Logger, cmd *cobra.Command) error {
	hostname, _ := cmd.Flags().GetString("chunkserver-hostname")
	rackID, _ := cmd.Flags().GetString("rack-id")
	advExternal, _ := cmd.Flags().GetString("advertised-external-addr")
	advInternal, _ := cmd.Flags().GetString("advertised-internal-addr")
	clientAddr, _ := cmd.Flags().GetString("client-socket-addr")
	internalAddr, _ := cmd.Flags().GetString("internal-socket-addr")
	metaHostname, _ := cmd.Flags().GetString("metadata-server-hostname")
	metaAddr, _ := cmd.Flags().GetString("metadata-server-addr")
	tmpRoot, _ := cmd.Flags().GetString("tmp-root")
	finalRoot, _ := cmd.Flags().GetString("final-root")
	capacity, _ := cmd.Flags().GetUint64("advertised-capacity")

	serverTLSConf, err := serverTLS(cmd, hostname, logger)
	if err != nil {
		return err
	}
	clientTLSConf, err := clientTLS(cmd)
	if err != nil {
		return err
	}

	store, err := chunkserver.NewStore(chunkserver.StoreConfig{
		TmpRoot:   tmpRoot,
		FinalRoot: finalRoot,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	external := chunkserver.NewExternal(chunkserver.ExternalConfig{Store: store, Logger: logger})

	serverID := uuid.New()
	metaClient := chunkserver.NewMetaClient(chunkserver.MetaClientConfig{
		ServerID:               serverID,
		Hostname:               hostname,
		RackID:                 rackID,
		AdvertisedInternalAddr: advInternal,
		AdvertisedExternalAddr: advExternal,
		MetadataAddr:           metaAddr,
		MetadataHostname:       metaHostname,
		TLS:                    clientTLSConf,
		Store:                  store,
		Requests:               external.RequestsSinceHeartbeat,
		AdvertisedCapacity:     capacity,
		Logger:                 logger,
	})

	externalSrv, err := transport.NewServer(transport.ServerConfig{
		Addr:    clientAddr,
		TLS:     serverTLSConf,
		Handler: external,
		Logger:  logger.With("plane", "external"),
	})
	if err != nil {
		return err
	}
	defer externalSrv.Close()

	internalSrv, err := transport.NewServer(transport.ServerConfig{
		Addr:    internalAddr,
		TLS:     serverTLSConf,
		Handler: chunkserver.NewInternal(chunkserver.InternalConfig{Logger: logger}),
		Setup: func(ctx context.Context) error {
			go func() {
				if err := metaClient.RunHeartbeat(ctx); err != nil {
					logger.Error("heartbeat loop failed", "error", err)
				}
			}()
			return nil
		},
		Logger: logger.With("plane", "internal"),
	})
	if err != nil {
		return err
	}
	defer internalSrv.Close()

	logger.Info("chunkserver starting",
		"server_id", serverID, "rack", rackID,
		"client_addr", externalSrv.Addr(), "internal_addr", internalSrv.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return externalSrv.Run(gctx) })
	g.Go(func() error { return internalSrv.Run(gctx) })
	return g.Wait()
}
