package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"silo/internal/meta"
	"silo/internal/transport"
)

func newMetadataCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "Run the metadata server",
		RunE: func(cmd *cobra.Command, args []string) error {
			hostname, _ := cmd.Flags().GetString("hostname")
			clientAddr, _ := cmd.Flags().GetString("client-socket-addr")
			internalAddr, _ := cmd.Flags().GetString("internal-socket-addr")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return runMetadata(ctx, logger, hostname, clientAddr, internalAddr, cmd)
		},
	}

	cmd.Flags().String("hostname", "localhost", "hostname clients verify in the server certificate")
	cmd.Flags().String("client-socket-addr", ":4700", "client-facing listen address")
	cmd.Flags().String("internal-socket-addr", ":4701", "chunkserver-facing listen address")
	addServerTLSFlags(cmd)

	return cmd
}

func runMetadata(ctx context.Context, logger *slog.Logger, hostname, clientAddr, internalAddr string, cmd *cobra.Command) error {
	tlsConf, err := serverTLS(cmd, hostname, logger)
	if err != nil {
		return err
	}

	state := meta.NewState(nil)
	internal := meta.NewInternal(meta.InternalConfig{State: state, Logger: logger})

	externalSrv, err := transport.NewServer(transport.ServerConfig{
		Addr:    clientAddr,
		TLS:     tlsConf,
		Handler: meta.NewExternal(meta.ExternalConfig{State: state, Logger: logger}),
		Logger:  logger.With("plane", "external"),
	})
	if err != nil {
		return err
	}
	defer externalSrv.Close()

	internalSrv, err := transport.NewServer(transport.ServerConfig{
		Addr:    internalAddr,
		TLS:     tlsConf,
		Handler: internal,
		Setup:   internal.Setup,
		Logger:  logger.With("plane", "internal"),
	})
	if err != nil {
		return err
	}
	defer internalSrv.Close()

	logger.Info("metadata server starting",
		"client_addr", externalSrv.Addr(), "internal_addr", internalSrv.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return externalSrv.Run(gctx) })
	g.Go(func() error { return internalSrv.Run(gctx) })
	return g.Wait()
}
