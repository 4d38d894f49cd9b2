// Package manifest builds Docker image manifests (schema version 2) for blobs extracted from an image archive.
package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/distribution/distribution/v3/manifest/schema2"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/uncloud/tarpush/internal/checksum"
)

const (
	// MediaType is the media type of the manifest document.
	MediaType = schema2.MediaTypeManifest
	// ConfigMediaType is the media type of the image config blob.
	ConfigMediaType = schema2.MediaTypeImageConfig
	// LayerMediaType is the media type of a layer blob. Layers in image archives are uncompressed tarballs.
	LayerMediaType = schema2.MediaTypeUncompressedLayer
)

// ErrFileAccess is returned when a config or layer file can't be read.
var ErrFileAccess = checksum.ErrFileAccess

// Describe returns the descriptor of the file at path with the given media type. The size and digest are computed
// from the file content.
func Describe(path, mediaType string) (ocispec.Descriptor, error) {
	dgst, size, err := checksum.FromFile(path)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	return ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    dgst,
		Size:      size,
	}, nil
}

// Build returns the manifest of an image with the config and layers stored at the given paths. The order of layers is
// preserved. No manifest is returned if any of the files can't be read.
func Build(configPath string, layerPaths []string) (ocispec.Manifest, error) {
	config, err := Describe(configPath, ConfigMediaType)
	if err != nil {
		return ocispec.Manifest{}, fmt.Errorf("describe config: %w", err)
	}

	layers := make([]ocispec.Descriptor, 0, len(layerPaths))
	for _, p := range layerPaths {
		layer, err := Describe(p, LayerMediaType)
		if err != nil {
			return ocispec.Manifest{}, fmt.Errorf("describe layer: %w", err)
		}
		layers = append(layers, layer)
	}

	return ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: MediaType,
		Config:    config,
		Layers:    layers,
	}, nil
}

// Marshal returns the JSON payload of the manifest as it's pushed to the registry.
func Marshal(m ocispec.Manifest) ([]byte, error) {
	if m.Layers == nil {
		m.Layers = []ocispec.Descriptor{}
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return payload, nil
}

// BuildJSON builds the manifest for the config and layer files and returns its JSON payload.
func BuildJSON(configPath string, layerPaths []string) ([]byte, error) {
	m, err := Build(configPath, layerPaths)
	if err != nil {
		return nil, err
	}
	return Marshal(m)
}
