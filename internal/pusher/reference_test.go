package pusher

import (
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		ref  string
		want Target
	}{
		{ref: "myimg:latest", want: Target{Repository: "myimg", Tag: "latest"}},
		{ref: "org/app:1.2.3", want: Target{Repository: "org/app", Tag: "1.2.3"}},
		{ref: "localhost:5000/myimg:dev", want: Target{Repository: "myimg", Tag: "dev"}},
		{ref: "docker.io/library/busybox:1.37.0-musl", want: Target{Repository: "library/busybox", Tag: "1.37.0-musl"}},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := ParseTarget(tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Repository+":"+tt.want.Tag, got.String())
		})
	}
}

func TestParseTargetInvalid(t *testing.T) {
	invalid := []string{
		"",
		"myimg",
		"myimg:latest:extra",
		"MyImg:latest",
		"myimg@sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		"myimg:latest@sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		":latest",
	}
	for _, ref := range invalid {
		t.Run(ref, func(t *testing.T) {
			_, err := ParseTarget(ref)
			require.ErrorIs(t, err, ErrInvalidReference)
			assert.True(t, errdefs.IsInvalidArgument(err))
		})
	}
}
