package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/uncloud/tarpush/internal/pusher"
	"github.com/uncloud/tarpush/internal/upload"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCommand().ExecuteContext(ctx); err != nil {
		stop()
		logrus.WithError(err).Fatal("Push failed.")
	}
}

func newCommand() *cobra.Command {
	var cfg pusher.Config
	var insecure bool
	// String renders the size in the largest unit that divides it, the form UnmarshalText accepts.
	chunkSize := datasize.ByteSize(upload.DefaultChunkSize).String()

	cmd := &cobra.Command{
		Use:   "tarpush ARCHIVE",
		Short: "Push a saved container image archive to a registry without a container engine.",
		Long: `Tarpush pushes the images of an archive created with 'docker save' (or a compatible tool) to a container
registry. It speaks the registry HTTP API V2 directly: layers and configs are uploaded in chunks through
upload sessions and a Docker image manifest (schema version 2) is published for every repository:tag
stored in the archive.

The archive may be plain or compressed with gzip or zstd.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRun: func(cmd *cobra.Command, args []string) {
			bindEnvToFlag(cmd, "registry", "TARPUSH_REGISTRY")
			bindEnvToFlag(cmd, "username", "TARPUSH_USERNAME")
			bindEnvToFlag(cmd, "password", "TARPUSH_PASSWORD")
			bindEnvToFlag(cmd, "insecure", "TARPUSH_INSECURE")
			bindEnvToFlag(cmd, "ca-file", "TARPUSH_CA_FILE")
			bindEnvToFlag(cmd, "stream", "TARPUSH_STREAM")
			bindEnvToFlag(cmd, "chunk-size", "TARPUSH_CHUNK_SIZE")
			bindEnvToFlag(cmd, "concurrency", "TARPUSH_CONCURRENCY")
			bindEnvToFlag(cmd, "log-format", "TARPUSH_LOG_FORMAT")
			bindEnvToFlag(cmd, "log-level", "TARPUSH_LOG_LEVEL")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.ImagePath = args[0]
			cfg.Registry.SkipTLSVerify = insecure

			var size datasize.ByteSize
			if err := size.UnmarshalText([]byte(chunkSize)); err != nil {
				return fmt.Errorf("invalid chunk size '%s': %w", chunkSize, err)
			}
			cfg.ChunkSize = int(size.Bytes())

			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.Registry.URL, "registry", "r", "",
		"Base URL of the registry to push to (e.g., https://registry.example.com:5000)")
	cmd.Flags().StringVarP(&cfg.Registry.Username, "username", "u", "",
		"Username for registry basic authentication")
	cmd.Flags().StringVarP(&cfg.Registry.Password, "password", "p", "",
		"Password for registry basic authentication")
	cmd.Flags().BoolVar(&insecure, "insecure", false,
		"Skip verification of the registry TLS certificate")
	cmd.Flags().StringVar(&cfg.Registry.CAFile, "ca-file", "",
		"Path to a PEM bundle with CA certificates to verify the registry TLS certificate")
	cmd.Flags().BoolVarP(&cfg.Stream, "stream", "s", false,
		"Print upload progress")
	cmd.Flags().StringVar(&chunkSize, "chunk-size", chunkSize,
		"Maximum size of a blob chunk sent in one request (e.g., 512KB, 2MB)")
	cmd.Flags().IntVarP(&cfg.Concurrency, "concurrency", "c", 1,
		"Number of blobs of an image uploaded in parallel")
	cmd.Flags().StringVar(&cfg.WorkDir, "work-dir", "",
		"Directory to extract the archive in (default is the system temp directory)")
	cmd.Flags().StringVarP(&cfg.LogFormatter, "log-format", "f", "text",
		"Log output format (text or json)")
	cmd.Flags().StringVarP(&cfg.LogLevel, "log-level", "l", "info",
		"Log verbosity level (debug, info, warn, error)")
	_ = cmd.MarkFlagRequired("registry")

	return cmd
}

func run(ctx context.Context, cfg pusher.Config) error {
	p, err := pusher.New(cfg)
	if err != nil {
		return fmt.Errorf("create pusher: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"archive":  cfg.ImagePath,
		"registry": cfg.Registry.URL,
	}).Info("Pushing image archive.")
	if err = p.Push(ctx); err != nil {
		return err
	}
	logrus.Info("All images pushed.")

	return nil
}

func bindEnvToFlag(cmd *cobra.Command, flagName, envVar string) {
	if value := os.Getenv(envVar); value != "" && !cmd.Flags().Changed(flagName) {
		if err := cmd.Flags().Set(flagName, value); err != nil {
			logrus.WithError(err).Fatalf("Failed to bind environment variable '%s' to flag '%s'.", envVar, flagName)
		}
	}
}
