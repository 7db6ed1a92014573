package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"silo/internal/client"
)

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("metadata-server-addr", "localhost:4700", "metadata server client address")
	cmd.Flags().String("metadata-server-hostname", "localhost", "hostname to verify in the metadata server certificate")
	cmd.Flags().String("client-id", "", "client identity for folder structure storage (UUID)")
	addClientTLSFlags(cmd)
}

func buildClient(cmd *cobra.Command, logger *slog.Logger) (*client.Client, error) {
	metaAddr, _ := cmd.Flags().GetString("metadata-server-addr")
	metaHostname, _ := cmd.Flags().GetString("metadata-server-hostname")
	clientIDFlag, _ := cmd.Flags().GetString("client-id")

	clientID := uuid.New()
	if clientIDFlag != "" {
		parsed, err := uuid.Parse(clientIDFlag)
		if err != nil {
			return nil, err
		}
		clientID = parsed
	}

	tlsConf, err := clientTLS(cmd)
	if err != nil {
		return nil, err
	}

	return client.New(client.Config{
		ClientID:         clientID,
		MetadataAddr:     metaAddr,
		MetadataHostname: metaHostname,
		TLS:              tlsConf,
		Logger:           logger,
	}), nil
}

func newUploadCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <path> [name]",
		Short: "Upload a file to the cluster",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			name := filepath.Base(path)
			if len(args) == 2 {
				name = args[1]
			}

			cl, err := buildClient(cmd, logger)
			if err != nil {
				return err
			}
			defer cl.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return cl.UploadFile(ctx, path, name)
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newDownloadCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <name> [path]",
		Short: "Download a file from the cluster",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			path := name
			if len(args) == 2 {
				path = args[1]
			}

			cl, err := buildClient(cmd, logger)
			if err != nil {
				return err
			}
			defer cl.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return cl.DownloadFile(ctx, name, path)
		},
	}
	addClientFlags(cmd)
	return cmd
}
