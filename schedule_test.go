package glide

import (
	"fmt"
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSchedule(t *testing.T) {
	s := NewCosineSchedule(1000)
	require.Len(t, s.Betas, 1000)
	require.Len(t, s.AlphasCumProd, 1000)

	prev := 1.0
	for ti, beta := range s.Betas {
		assert.Greater(t, beta, 0.0, "beta at timestep %d", ti)
		assert.LessOrEqual(t, beta, maxBeta, "beta at timestep %d", ti)
		abar := s.AlphasCumProd[ti]
		assert.Greater(t, abar, 0.0, "AlphasCumProd at timestep %d", ti)
		assert.Less(t, abar, prev, "AlphasCumProd must be strictly decreasing (timestep %d)", ti)
		assert.InDelta(t, math.Sqrt(abar), s.sqrtAlphasCumProd[ti], 1e-12)
		assert.InDelta(t, math.Sqrt(1.0-abar), s.sqrtOneMinusAlphasCumProd[ti], 1e-12)
		prev = abar
	}
	fmt.Printf("  AlphasCumProd[0]:\t%.6f\n", s.AlphasCumProd[0])
	fmt.Printf("AlphasCumProd[999]:\t%g\n", s.AlphasCumProd[999])

	// Almost no noise at the first timestep, almost pure noise at the last.
	assert.Greater(t, s.AlphasCumProd[0], 0.99)
	assert.Less(t, s.AlphasCumProd[999], 1e-3)
}

func TestSpacedTimesteps(t *testing.T) {
	s := NewCosineSchedule(1000)
	steps := s.SpacedTimesteps(27)
	require.Len(t, steps, 27)
	assert.Equal(t, 0, steps[0])
	assert.Equal(t, 999, steps[len(steps)-1])
	for ii := 1; ii < len(steps); ii++ {
		assert.Greater(t, steps[ii], steps[ii-1], "spaced timesteps must be strictly ascending")
	}

	// A single step samples straight from the last (noisiest) timestep.
	assert.Equal(t, []int{999}, s.SpacedTimesteps(1))

	// Asking for more steps than the schedule has returns the full schedule.
	small := NewCosineSchedule(4)
	assert.Equal(t, []int{0, 1, 2, 3}, small.SpacedTimesteps(10))
}

func TestQSample(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s := NewCosineSchedule(10)
	exec := MustNewExec(backend, func(g *Graph) *Node {
		images := Ones(g, shapes.Make(dtypes.Float32, 2, 1, 1, 1))
		noise := MulScalar(OnesLike(images), 2.0)
		timesteps := Const(g, []int32{0, 9})
		return s.QSample(images, timesteps, noise)
	})
	values := tensors.CopyFlatData[float32](exec.Call()[0])
	require.Len(t, values, 2)
	for ii, timestep := range []int{0, 9} {
		want := s.sqrtAlphasCumProd[timestep] + 2.0*s.sqrtOneMinusAlphasCumProd[timestep]
		assert.InDelta(t, want, float64(values[ii]), 1e-5, "QSample at timestep %d", timestep)
	}
}
