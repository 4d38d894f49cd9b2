package pusher

import (
	"fmt"

	"github.com/uncloud/tarpush/internal/registry"
	"github.com/uncloud/tarpush/internal/upload"
)

// Config represents the configuration of a push of one image archive.
type Config struct {
	// Registry describes the target registry and how to connect to it.
	Registry registry.Config
	// ImagePath is the path to the image archive to push.
	ImagePath string
	// Stream enables progress output while blobs are uploaded.
	Stream bool
	// ChunkSize is the maximum number of bytes sent in one upload request. Defaults to upload.DefaultChunkSize.
	ChunkSize int
	// Concurrency is the maximum number of blobs of one image uploaded at the same time. Defaults to 1.
	Concurrency int
	// WorkDir is the parent directory for the temporary extraction directory. Defaults to the OS temp dir.
	WorkDir      string
	LogLevel     string
	LogFormatter string
}

func (c Config) withDefaults() Config {
	if c.ChunkSize == 0 {
		c.ChunkSize = upload.DefaultChunkSize
	}
	if c.Concurrency == 0 {
		c.Concurrency = 1
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	if err := c.Registry.Validate(); err != nil {
		return err
	}
	if c.ImagePath == "" {
		return fmt.Errorf("image archive path is required")
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("invalid chunk size: %d", c.ChunkSize)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("invalid concurrency: %d", c.Concurrency)
	}
	return nil
}
