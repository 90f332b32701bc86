package glide

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// NoiseSchedule is a discrete forward diffusion schedule of a fixed number of timesteps.
//
// It is computed once at configuration time and immutable afterwards: the graph-building
// methods only embed its values as constants.
type NoiseSchedule struct {
	NumTimesteps int

	// Betas is the per-timestep noise variance added by the forward process.
	Betas []float64

	// AlphasCumProd is the cumulative product of (1-beta): the fraction of the original
	// signal variance remaining at each timestep.
	AlphasCumProd []float64

	sqrtAlphasCumProd         []float64
	sqrtOneMinusAlphasCumProd []float64
}

// maxBeta caps betas so the last steps don't destroy all signal at once.
const maxBeta = 0.999

// NewCosineSchedule creates a NoiseSchedule with the squared-cosine schedule from
// Nichol & Dhariwal, "Improved Denoising Diffusion Probabilistic Models".
func NewCosineSchedule(numTimesteps int) *NoiseSchedule {
	alphaBar := func(t float64) float64 {
		v := math.Cos((t + 0.008) / 1.008 * math.Pi / 2)
		return v * v
	}
	s := &NoiseSchedule{
		NumTimesteps:              numTimesteps,
		Betas:                     make([]float64, numTimesteps),
		AlphasCumProd:             make([]float64, numTimesteps),
		sqrtAlphasCumProd:         make([]float64, numTimesteps),
		sqrtOneMinusAlphasCumProd: make([]float64, numTimesteps),
	}
	cumProd := 1.0
	for t := range numTimesteps {
		t0 := float64(t) / float64(numTimesteps)
		t1 := float64(t+1) / float64(numTimesteps)
		s.Betas[t] = min(1.0-alphaBar(t1)/alphaBar(t0), maxBeta)
		cumProd *= 1.0 - s.Betas[t]
		s.AlphasCumProd[t] = cumProd
		s.sqrtAlphasCumProd[t] = math.Sqrt(cumProd)
		s.sqrtOneMinusAlphasCumProd[t] = math.Sqrt(1.0 - cumProd)
	}
	return s
}

// GatherCoefficients returns the signal and noise multipliers for the given timesteps,
// shaped to broadcast against a batch of images.
//
// timesteps must be an integer Node shaped `[batchSize]` with values in `[0, NumTimesteps)`.
// The returned Nodes are shaped `[batchSize, 1, 1, 1]` with the given dtype.
func (s *NoiseSchedule) GatherCoefficients(timesteps *Node, imagesRank int) (signal, noise *Node) {
	g := timesteps.Graph()
	indices := ExpandAxes(timesteps, -1)
	signal = Gather(Const(g, s.sqrtAlphasCumProd), indices)
	noise = Gather(Const(g, s.sqrtOneMinusAlphasCumProd), indices)
	for range imagesRank - 1 {
		signal = ExpandAxes(signal, -1)
		noise = ExpandAxes(noise, -1)
	}
	return
}

// QSample diffuses images to the given timesteps in closed form:
// `sqrt(alphaBar_t)*images + sqrt(1-alphaBar_t)*noise`.
//
// images is shaped `[batchSize, height, width, channels]`, timesteps `[batchSize]` and
// noise has the shape of images, sampled from a standard normal.
func (s *NoiseSchedule) QSample(images, timesteps, noise *Node) *Node {
	signal, noiseCoef := s.GatherCoefficients(timesteps, images.Rank())
	signal = ConvertDType(signal, images.DType())
	noiseCoef = ConvertDType(noiseCoef, images.DType())
	return Add(
		Mul(images, signal),
		Mul(noise, noiseCoef))
}

// SpacedTimesteps returns numSteps timesteps evenly spread over the schedule, in
// ascending order, last one being NumTimesteps-1. Sampling walks them backwards.
func (s *NoiseSchedule) SpacedTimesteps(numSteps int) []int {
	if numSteps >= s.NumTimesteps {
		steps := make([]int, s.NumTimesteps)
		for t := range steps {
			steps[t] = t
		}
		return steps
	}
	steps := make([]int, numSteps)
	if numSteps == 1 {
		steps[0] = s.NumTimesteps - 1
		return steps
	}
	for i := range steps {
		steps[i] = i * (s.NumTimesteps - 1) / (numSteps - 1)
	}
	return steps
}
