package glide

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// ImagesGenerator samples images from a text prompt, using the respaced schedule
// ("sample_steps" timesteps) and classifier-free guidance ("sample_guidance_scale").
//
// The starting noise is fixed at construction: calling Generate repeatedly on a model
// being trained shows the evolution of the same samples.
type ImagesGenerator struct {
	config    *Config
	numImages int
	steps     []int // Respaced timesteps, ascending. Sampling walks them backwards.
	guidance  float64

	// tokens and masks hold 2*numImages rows: the prompt rows first, then the
	// unconditional (empty caption) rows.
	tokens, masks *tensors.Tensor

	noiseExec       *Exec
	stepExec        *context.Exec
	denormalizeExec *Exec
}

// NewImagesGenerator creates a generator of numImages images for the given prompt.
// The model variables in config.Context must already exist (trained or loaded).
func NewImagesGenerator(config *Config, tokenizer Tokenizer, prompt string, numImages int) *ImagesGenerator {
	ctx := config.Context.Reuse()
	numSteps := context.GetParamOr(config.Context, "sample_steps", 27)

	condTokens, condMask := tokenizer.Encode(prompt)
	uncondTokens, uncondMask := tokenizer.Encode("")
	tokenRows := make([][]int32, 2*numImages)
	maskRows := make([][]bool, 2*numImages)
	for ii := range numImages {
		tokenRows[ii], maskRows[ii] = condTokens, condMask
		tokenRows[numImages+ii], maskRows[numImages+ii] = uncondTokens, uncondMask
	}

	g := &ImagesGenerator{
		config:    config,
		numImages: numImages,
		steps:     config.Schedule.SpacedTimesteps(numSteps),
		guidance:  context.GetParamOr(config.Context, "sample_guidance_scale", 4.0),
		tokens:    tensors.FromValue(tokenRows),
		masks:     tensors.FromValue(maskRows),
	}
	g.noiseExec = MustNewExec(config.Backend, func(graph *Graph) *Node {
		state := Const(graph, RngState())
		_, noise := RandomNormal(state, shapes.Make(
			config.DType, numImages, config.ImageSize, config.ImageSize, config.ImageChannels))
		return noise
	})
	g.stepExec = context.MustNewExec(config.Backend, ctx, g.sampleStepGraph)
	g.denormalizeExec = MustNewExec(config.Backend, config.DenormalizeImages)
	return g
}

// sampleStepGraph executes one reverse diffusion step.
//
// inputs are: the current noisy images `[numImages, size, size, channels]`, the token
// and mask batches `[2*numImages, text_ctx]`, the scalar timestep, and the four schedule
// coefficients sqrt(alphaBar) and sqrt(1-alphaBar) at the current and next timesteps.
//
// Both the conditional and unconditional halves go through the model in one batch; the
// guided noise estimate is `uncond + guidance*(cond - uncond)`. The step is the
// deterministic DDIM update towards the next timestep.
func (g *ImagesGenerator) sampleStepGraph(ctx *context.Context, inputs []*Node) *Node {
	noisy, tokens, masks := inputs[0], inputs[1], inputs[2]
	timestep := inputs[3]
	sqrtAbar, sqrtOneMinusAbar := inputs[4], inputs[5]
	sqrtAbarNext, sqrtOneMinusAbarNext := inputs[6], inputs[7]
	graph := noisy.Graph()
	ctx.SetTraining(graph, false)

	dtype := noisy.DType()
	numImages := noisy.Shape().Dimensions[0]
	doubled := Concatenate([]*Node{noisy, noisy}, 0)
	timesteps := BroadcastToDims(timestep, 2*numImages)

	epsilon, _ := UNetModelGraph(ctx, g.config.NanLogger, doubled, timesteps, tokens, masks)
	halves := Split(epsilon, 0, 2)
	condEps, uncondEps := halves[0], halves[1]
	guided := Add(uncondEps, MulScalar(Sub(condEps, uncondEps), g.guidance))

	sqrtAbar = ConvertDType(sqrtAbar, dtype)
	sqrtOneMinusAbar = ConvertDType(sqrtOneMinusAbar, dtype)
	sqrtAbarNext = ConvertDType(sqrtAbarNext, dtype)
	sqrtOneMinusAbarNext = ConvertDType(sqrtOneMinusAbarNext, dtype)

	predicted := Div(Sub(noisy, Mul(guided, sqrtOneMinusAbar)), sqrtAbar)
	predicted = ClipScalar(predicted, -1.0, 1.0)
	return Add(Mul(predicted, sqrtAbarNext), Mul(guided, sqrtOneMinusAbarNext))
}

// Generate runs the full reverse diffusion and returns the sampled images as a tensor
// shaped `[numImages, size, size, channels]`, float32, with values in [0, 255].
//
// It can be called multiple times as the model trains; the starting noise is reused, so
// consecutive calls show the same samples evolving.
func (g *ImagesGenerator) Generate() *tensors.Tensor {
	sched := g.config.Schedule
	noisy := g.noiseExec.Call()[0]
	for ii := len(g.steps) - 1; ii >= 0; ii-- {
		t := g.steps[ii]
		abar := sched.AlphasCumProd[t]
		abarNext := 1.0 // Past the last step the image is fully denoised.
		if ii > 0 {
			abarNext = sched.AlphasCumProd[g.steps[ii-1]]
		}
		results := g.stepExec.Call(
			noisy, g.tokens, g.masks, int32(t),
			math.Sqrt(abar), math.Sqrt(1.0-abar),
			math.Sqrt(abarNext), math.Sqrt(1.0-abarNext))
		noisy.FinalizeAll() // Immediate release of (GPU) memory for intermediary results.
		noisy = results[0]
	}
	images := g.denormalizeExec.Call(noisy)[0]
	noisy.FinalizeAll()
	return images
}

// WriteImageSheet arranges a batch of images (shaped `[n, size, size, channels]`, values
// in [0, 255]) in a near-square grid and writes it as one PNG file.
func WriteImageSheet(imagesT *tensors.Tensor, filePath string) error {
	images, err := timage.ToImage().MaxValue(255.0).Batch(imagesT)
	if err != nil {
		return errors.WithMessagef(err, "failed to convert sampled images tensor %s", imagesT.Shape())
	}
	numCols := int(math.Ceil(math.Sqrt(float64(len(images)))))
	numRows := (len(images) + numCols - 1) / numCols
	width := images[0].Bounds().Dx()
	height := images[0].Bounds().Dy()
	sheet := imaging.New(numCols*width, numRows*height, color.Black)
	for ii, img := range images {
		sheet = imaging.Paste(sheet, img, image.Pt((ii%numCols)*width, (ii/numCols)*height))
	}
	if err := imaging.Save(sheet, filePath); err != nil {
		return errors.Wrapf(err, "failed to save image sheet to %q", filePath)
	}
	return nil
}
