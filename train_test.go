package glide

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestepsSampling(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateReset()

	const numTimesteps = 10
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return ctx.RandomIntN(g, int32(numTimesteps-1), shapes.Make(dtypes.Int32, 10000))
	})
	values := tensors.CopyFlatData[int32](exec.Call()[0])
	minSeen, maxSeen := values[0], values[0]
	for _, v := range values {
		minSeen = min(minSeen, v)
		maxSeen = max(maxSeen, v)
	}
	// The last timestep of the schedule is never trained on.
	assert.Equal(t, int32(0), minSeen)
	assert.Equal(t, int32(numTimesteps-2), maxSeen)
}

func TestLossSignSymmetry(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()

	lossOf := func(residual float64) float32 {
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			target := IotaFull(g, shapes.Make(dtypes.Float32, 2, 3))
			predicted := AddScalar(target, residual)
			lossFn := must.M1(losses.LossFromContext(ctx))
			loss := lossFn([]*Node{target}, []*Node{predicted})
			if !loss.IsScalar() {
				loss = ReduceAllMean(loss)
			}
			return loss
		})
		return tensors.CopyFlatData[float32](exec.Call()[0])[0]
	}
	// Squared error doesn't care which side of the target the prediction is on.
	assert.InDelta(t, lossOf(0.5), lossOf(-0.5), 1e-6)
	assert.InDelta(t, 0.25, lossOf(0.5), 1e-5)
}

func TestTrainModelEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("TestTrainModelEndToEnd runs actual training steps, skipped with go test -short.")
	}
	dataDir := t.TempDir()
	writeTestImage(t, filepath.Join(dataDir, "red.png"), color.NRGBA{R: 255, A: 255})
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "red.txt"), []byte("a red square"), 0644))
	writeTestImage(t, filepath.Join(dataDir, "green.png"), color.NRGBA{G: 255, A: 255})

	checkpointsDir := t.TempDir()
	config := getTestConfig(t, dataDir, checkpointsDir, "", map[string]any{
		"epochs":           1,
		"unet_attn_layers": 0,
	})
	tokenizer := stubTokenizer{length: config.TextContext}
	require.NoError(t, TrainModel(config, tokenizer, -1))

	// 2 examples, batch size 1, 1 epoch: just the final snapshot at step 2.
	entries := must.M1(os.ReadDir(checkpointsDir))
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.Equal(t, []string{"glide-ft-2.pt"}, names)

	// The snapshot loads back into a fresh context.
	loadedCtx := context.New()
	require.NoError(t, LoadWeights(loadedCtx, CheckpointPath(checkpointsDir, 2)))
	assert.NotEmpty(t, modelVariables(loadedCtx))
}

func TestTrainModelCheckpointInterval(t *testing.T) {
	if testing.Short() {
		t.Skip("TestTrainModelCheckpointInterval runs actual training steps, skipped with go test -short.")
	}
	dataDir := t.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png", "d.png"} {
		writeTestImage(t, filepath.Join(dataDir, name), color.NRGBA{B: 255, A: 255})
	}

	checkpointsDir := t.TempDir()
	config := getTestConfig(t, dataDir, checkpointsDir, "", map[string]any{
		"epochs":               1,
		"unet_attn_layers":     0,
		"checkpoint_frequency": 2,
		"sample_frequency":     2,
		"plots":                true,
	})
	require.NoError(t, TrainModel(config, stubTokenizer{length: config.TextContext}, -1))

	// 4 examples, batch size 1, snapshots every 2 steps: glide-ft-2.pt at the 2nd
	// step and glide-ft-4.pt at the 4th, which the final snapshot coincides with.
	// Loss points go to the plots file next to the snapshots.
	entries := must.M1(os.ReadDir(checkpointsDir))
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.ElementsMatch(t,
		[]string{"glide-ft-2.pt", "glide-ft-4.pt", plots.TrainingPlotFileName}, names)

	points := must.M1(plots.LoadPoints(filepath.Join(checkpointsDir, plots.TrainingPlotFileName)))
	require.Len(t, points, 2)
	assert.Equal(t, 2.0, points[0].Step)
	assert.Equal(t, 4.0, points[1].Step)
}
