// Command silo runs the chunk storage cluster processes: the metadata
// server, chunkservers, and the file transfer client commands.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"silo/internal/cert"
)

var version = "dev"

func main() {
	var level slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))

	rootCmd := &cobra.Command{
		Use:   "silo",
		Short: "Chunk-based distributed file storage",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			if verbose {
				level.Set(slog.LevelDebug)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(
		newMetadataCmd(logger),
		newChunkserverCmd(logger),
		newUploadCmd(logger),
		newDownloadCmd(logger),
		versionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// addServerTLSFlags registers the certificate flags shared by the two
// server commands: a PEM pair for release deployments, or a self-signed
// pair generated on disk for debug runs.
func addServerTLSFlags(cmd *cobra.Command) {
	cmd.Flags().String("tls-cert", "", "PEM certificate file")
	cmd.Flags().String("tls-key", "", "PEM private key file")
	cmd.Flags().String("self-signed-dir", "", "directory for a generated self-signed pair (debug)")
}

// serverTLS builds the server TLS config from the flags registered by
// addServerTLSFlags.
func serverTLS(cmd *cobra.Command, hostname string, logger *slog.Logger) (*tls.Config, error) {
	certFile, _ := cmd.Flags().GetString("tls-cert")
	keyFile, _ := cmd.Flags().GetString("tls-key")
	selfSignedDir, _ := cmd.Flags().GetString("self-signed-dir")

	switch {
	case certFile != "" && keyFile != "":
		manager, err := cert.Load(cert.Config{CertFile: certFile, KeyFile: keyFile, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("load TLS certificate: %w", err)
		}
		return manager.ServerTLS(), nil
	case selfSignedDir != "":
		c, err := cert.EnsureSelfSigned(selfSignedDir, []string{hostname})
		if err != nil {
			return nil, fmt.Errorf("self-signed certificate: %w", err)
		}
		logger.Warn("serving with a self-signed certificate", "dir", selfSignedDir)
		return cert.FromCertificate(c, logger).ServerTLS(), nil
	default:
		return nil, fmt.Errorf("either --tls-cert/--tls-key or --self-signed-dir is required")
	}
}

// addClientTLSFlags registers the flags for outbound TLS verification.
func addClientTLSFlags(cmd *cobra.Command) {
	cmd.Flags().String("ca-cert", "", "PEM file with trusted server certificates")
	cmd.Flags().Bool("insecure", false, "skip server certificate verification (debug)")
}

func clientTLS(cmd *cobra.Command) (*tls.Config, error) {
	caFile, _ := cmd.Flags().GetString("ca-cert")
	insecure, _ := cmd.Flags().GetBool("insecure")
	return cert.ClientTLS(caFile, insecure)
}
