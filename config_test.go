package glide

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/require"
)

func TestNewConfigValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// The model output is split in (epsilon, sigma) pairs, so it must have exactly
	// twice the image channels.
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{"unet_output_channels": 5})
	_, err := NewConfig(backend, ctx, "", "", "", nil)
	require.ErrorContains(t, err, "unet_output_channels")

	ctx = CreateDefaultContext()
	ctx.SetParams(map[string]any{"dtype": "float93"})
	_, err = NewConfig(backend, ctx, "", "", "", nil)
	require.ErrorContains(t, err, "dtype")

	ctx = CreateDefaultContext()
	ctx.SetParams(map[string]any{"sample_steps": 2000})
	_, err = NewConfig(backend, ctx, "", "", "", nil)
	require.ErrorContains(t, err, "sample_steps")

	ctx = CreateDefaultContext()
	ctx.SetParams(map[string]any{"diffusion_timesteps": 1})
	_, err = NewConfig(backend, ctx, "", "", "", nil)
	require.ErrorContains(t, err, "diffusion_timesteps")
}
