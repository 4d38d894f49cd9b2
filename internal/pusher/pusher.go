// Package pusher pushes the images of a local image archive to a registry.
package pusher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/uncloud/tarpush/internal/archive"
	"github.com/uncloud/tarpush/internal/manifest"
	"github.com/uncloud/tarpush/internal/registry"
	"github.com/uncloud/tarpush/internal/upload"
)

var (
	// ErrManifestPublish is returned when the registry doesn't accept the image manifest.
	ErrManifestPublish = errors.New("manifest publish error")
	// ErrDigestMismatch is returned when a blob changed on disk between its upload and building the manifest.
	ErrDigestMismatch = errors.New("uploaded blob doesn't match the manifest")
)

// Pusher pushes image archives to a registry.
type Pusher struct {
	cfg      Config
	client   *registry.Client
	uploader *upload.Uploader
}

// New creates a pusher from the given configuration and configures logging.
func New(cfg Config) (*Pusher, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := configureLogging(cfg.LogLevel, cfg.LogFormatter); err != nil {
		return nil, err
	}

	client, err := registry.NewClient(cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("create registry client: %w", err)
	}

	opts := []upload.Option{upload.WithChunkSize(cfg.ChunkSize)}
	if cfg.Stream {
		opts = append(opts, upload.WithProgress(newProgressLogger().report))
	}

	return &Pusher{
		cfg:      cfg,
		client:   client,
		uploader: upload.NewUploader(client, opts...),
	}, nil
}

// Push pushes every tagged image of the archive. The archive is extracted to a temporary directory that is removed
// before Push returns. A failed image doesn't prevent pushing the remaining ones but the returned error joins the
// errors of all failed images.
func (p *Pusher) Push(ctx context.Context) error {
	a, err := archive.Open(p.cfg.ImagePath)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{
		"archive":  a.Path(),
		"registry": p.client.Host(),
	})
	entries, err := a.Manifest()
	if err != nil {
		return err
	}

	workDir, err := os.MkdirTemp(p.cfg.WorkDir, "tarpush-")
	if err != nil {
		return fmt.Errorf("create working directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.WithError(err).WithField("dir", workDir).Warn("Failed to remove working directory.")
		}
	}()

	log.WithField("dir", workDir).Info("Extracting image archive.")
	if err = a.ExtractAll(workDir); err != nil {
		return err
	}

	var errs []error
	pushed := 0
	for _, entry := range entries {
		if len(entry.RepoTags) == 0 {
			log.WithField("config", entry.Config).Warn("Skipping untagged image.")
			continue
		}
		if err = p.inspectConfig(a, entry); err != nil {
			for _, repoTag := range entry.RepoTags {
				log.WithError(err).WithField("image", repoTag).Error("Failed to push image.")
				errs = append(errs, fmt.Errorf("push '%s': %w", repoTag, err))
			}
			continue
		}

		for _, repoTag := range entry.RepoTags {
			if err = ctx.Err(); err != nil {
				return errors.Join(append(errs, err)...)
			}

			target, err := ParseTarget(repoTag)
			if err == nil {
				err = p.pushImage(ctx, workDir, entry, target)
			}
			if err != nil {
				log.WithError(err).WithField("image", repoTag).Error("Failed to push image.")
				errs = append(errs, fmt.Errorf("push '%s': %w", repoTag, err))
				continue
			}
			pushed++
		}
	}

	if len(errs) == 0 && pushed == 0 {
		return fmt.Errorf("%w: archive doesn't contain tagged images", archive.ErrExtraction)
	}
	return errors.Join(errs...)
}

// inspectConfig reads the image config of the entry from the archive and logs its platform. A mismatch between the
// layers in the config and in the manifest is only reported as the registry doesn't validate it.
func (p *Pusher) inspectConfig(a *archive.Archive, entry archive.ManifestEntry) error {
	img, err := a.Config(entry.Config)
	if err != nil {
		return err
	}

	log := logrus.WithFields(logrus.Fields{
		"config":   entry.Config,
		"platform": img.OS + "/" + img.Architecture,
		"layers":   len(entry.Layers),
	})
	if n := len(img.RootFS.DiffIDs); n != len(entry.Layers) {
		log.WithField("diff_ids", n).Warn("Image config lists a different number of layers than the archive manifest.")
	}
	log.Debug("Inspected image config.")

	return nil
}

// pushImage uploads the layers and config of the image entry extracted to dir and publishes its manifest with the
// target tag.
func (p *Pusher) pushImage(ctx context.Context, dir string, entry archive.ManifestEntry, target Target) error {
	log := logrus.WithFields(logrus.Fields{
		"repo": target.Repository,
		"tag":  target.Tag,
	})
	log.Info("Pushing image.")

	if err := archive.Verify(dir, entry); err != nil {
		return err
	}
	configPath, err := archive.EntryPath(dir, entry.Config)
	if err != nil {
		return err
	}
	layerPaths := make([]string, len(entry.Layers))
	for i, l := range entry.Layers {
		if layerPaths[i], err = archive.EntryPath(dir, l); err != nil {
			return err
		}
	}

	// Layers first in their order, the config last.
	blobs := append(append([]string{}, layerPaths...), configPath)
	names := append(append([]string{}, entry.Layers...), entry.Config)
	uploaded, err := p.uploadBlobs(ctx, target.Repository, blobs, names)
	if err != nil {
		return err
	}

	m, err := manifest.Build(configPath, layerPaths)
	if err != nil {
		return err
	}
	for i, desc := range append(append([]ocispec.Descriptor{}, m.Layers...), m.Config) {
		if uploaded[i].Digest != desc.Digest || uploaded[i].Size != desc.Size {
			return fmt.Errorf("%w: '%s' was uploaded as %s but is %s", ErrDigestMismatch, names[i],
				uploaded[i].Digest, desc.Digest)
		}
	}

	payload, err := manifest.Marshal(m)
	if err != nil {
		return err
	}
	log.Info("Pushing manifest.")
	dgst, err := p.putManifest(ctx, target, payload)
	if err != nil {
		return err
	}
	log.WithField("digest", dgst).Info("Image pushed.")

	return nil
}

// uploadBlobs uploads the files in a separate upload session each and returns their descriptors in the same order.
// Up to Config.Concurrency uploads run at the same time. The first failure stops starting new uploads.
func (p *Pusher) uploadBlobs(ctx context.Context, repo string, paths, names []string) ([]ocispec.Descriptor, error) {
	descs := make([]ocispec.Descriptor, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			log := logrus.WithFields(logrus.Fields{
				"repo": repo,
				"blob": names[i],
			})
			log.Debug("Uploading blob.")
			desc, err := p.uploader.UploadFile(gctx, repo, path)
			if err != nil {
				return fmt.Errorf("upload '%s': %w", names[i], err)
			}
			log.WithFields(logrus.Fields{
				"digest": desc.Digest,
				"size":   desc.Size,
			}).Info("Uploaded blob.")

			descs[i] = desc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return descs, nil
}

// putManifest publishes the manifest payload with PUT /v2/<repo>/manifests/<tag>.
func (p *Pusher) putManifest(ctx context.Context, target Target, payload []byte) (digest.Digest, error) {
	url := p.client.Endpoint(target.Repository, "manifests", target.Tag)
	req, err := p.client.NewRequest(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrManifestPublish, err)
	}
	req.Header.Set("Content-Type", manifest.MediaType)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrManifestPublish, err)
	}
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%w: %w", ErrManifestPublish, registry.ResponseError(resp))
	}
	defer registry.Discard(resp)

	dgst := digest.FromBytes(payload)
	if got := resp.Header.Get("Docker-Content-Digest"); got != "" && got != dgst.String() {
		logrus.WithFields(logrus.Fields{
			"expected": dgst,
			"actual":   got,
		}).Warn("Registry reported a different manifest digest.")
	}

	return dgst, nil
}
