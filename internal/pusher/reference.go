package pusher

import (
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/distribution/reference"
)

// ErrInvalidReference is returned for a repository:tag string that can't be pushed.
var ErrInvalidReference = fmt.Errorf("invalid image reference: %w", errdefs.ErrInvalidArgument)

// Target is the repository and tag an image is pushed to.
type Target struct {
	// Repository is the repository path within the registry without the registry host.
	Repository string
	Tag        string
}

func (t Target) String() string {
	return t.Repository + ":" + t.Tag
}

// ParseTarget parses a repository:tag reference as stored in the RepoTags of an image archive. A registry host in the
// reference is dropped as the image is pushed to the configured registry. References without a tag and references
// pinned to a digest are rejected.
func ParseTarget(s string) (Target, error) {
	ref, err := reference.Parse(s)
	if err != nil {
		return Target{}, fmt.Errorf("%w '%s': %w", ErrInvalidReference, s, err)
	}
	named, ok := ref.(reference.Named)
	if !ok {
		return Target{}, fmt.Errorf("%w '%s': repository name is missing", ErrInvalidReference, s)
	}
	if _, ok = ref.(reference.Digested); ok {
		return Target{}, fmt.Errorf("%w '%s': digest references can't be pushed by tag", ErrInvalidReference, s)
	}
	tagged, ok := ref.(reference.Tagged)
	if !ok {
		return Target{}, fmt.Errorf("%w '%s': tag is missing", ErrInvalidReference, s)
	}

	return Target{
		Repository: reference.Path(named),
		Tag:        tagged.Tag(),
	}, nil
}
