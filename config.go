package glide

import (
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Config holds a validated configuration for fine-tuning and sampling.
// See NewConfig.
type Config struct {
	Backend backends.Backend
	Context *context.Context // Usually, at the root scope.

	// DataDir holds the training images, each with an optional sibling `.txt` caption file.
	DataDir string

	// CheckpointsDir is where weight snapshots (`glide-ft-<step>.pt`) are written.
	CheckpointsDir string

	// OutputsDir is where preview images sampled during training are written.
	OutputsDir string

	// ParamsSet are hyperparameters overridden in the command line (see commandline.ParseContextSettings).
	ParamsSet []string

	DType                    dtypes.DType
	ImageSize, ImageChannels int
	BatchSize                int
	TextContext              int

	// Schedule is the discrete noise schedule, derived from "diffusion_timesteps".
	Schedule *NoiseSchedule

	// NanLogger is enabled by setting the hyperparameter "nan_logger=true".
	NanLogger *nanlogger.NanLogger
}

// NewConfig creates a configuration from the hyperparameters in ctx and validates it.
//
// It returns an error for configurations that cannot train, in particular when
// "unet_output_channels" is not exactly 2*"image_channels" -- the model output is split
// along the channels axis in (epsilon, sigma) pairs.
func NewConfig(backend backends.Backend, ctx *context.Context, dataDir, checkpointsDir, outputsDir string, paramsSet []string) (*Config, error) {
	dtypeName := context.GetParamOr(ctx, "dtype", "float32")
	dtype, found := dtypes.MapOfNames[dtypeName]
	if !found {
		return nil, errors.Errorf("unknown value dtype=%q given in the context parameters", dtypeName)
	}

	imageChannels := context.GetParamOr(ctx, "image_channels", 3)
	outputChannels := context.GetParamOr(ctx, "unet_output_channels", 6)
	if outputChannels != 2*imageChannels {
		return nil, errors.Errorf(
			"unet_output_channels=%d must be exactly 2*image_channels=%d: the model output is split "+
				"in (epsilon, sigma) pairs along the channels axis", outputChannels, 2*imageChannels)
	}

	numTimesteps := context.GetParamOr(ctx, "diffusion_timesteps", 1000)
	if numTimesteps < 2 {
		return nil, errors.Errorf("diffusion_timesteps=%d must be at least 2", numTimesteps)
	}
	sampleSteps := context.GetParamOr(ctx, "sample_steps", 27)
	if sampleSteps < 1 || sampleSteps > numTimesteps {
		return nil, errors.Errorf("sample_steps=%d must be in the range [1, diffusion_timesteps=%d]",
			sampleSteps, numTimesteps)
	}

	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	checkpointsDir = fsutil.MustReplaceTildeInDir(checkpointsDir)
	outputsDir = fsutil.MustReplaceTildeInDir(outputsDir)
	for _, dir := range []string{checkpointsDir, outputsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0777); err != nil {
			return nil, errors.Wrapf(err, "failed to create directory %q", dir)
		}
	}

	cfg := &Config{
		Backend:        backend,
		Context:        ctx,
		DataDir:        dataDir,
		CheckpointsDir: checkpointsDir,
		OutputsDir:     outputsDir,
		ParamsSet:      paramsSet,
		DType:          dtype,
		ImageSize:      context.GetParamOr(ctx, "image_size", 64),
		ImageChannels:  imageChannels,
		BatchSize:      context.GetParamOr(ctx, "batch_size", 1),
		TextContext:    context.GetParamOr(ctx, "text_ctx", 128),
		Schedule:       NewCosineSchedule(numTimesteps),
	}
	if context.GetParamOr(ctx, "nan_logger", false) {
		cfg.NanLogger = nanlogger.New()
	}
	return cfg, nil
}

// PreprocessImages converts uint8 images in [0, 255] to the model DType in [-1, 1].
func (c *Config) PreprocessImages(images *Node) *Node {
	images = ConvertDType(images, c.DType)
	images = AddScalar(MulScalar(images, 1.0/127.5), -1.0)
	c.NanLogger.TraceFirstNaN(images, "PreprocessImages")
	return images
}

// DenormalizeImages reverts images from [-1, 1] back to the [0, 255] range.
// It keeps them as float, it doesn't convert back to uint8.
func (c *Config) DenormalizeImages(images *Node) *Node {
	images = ConvertDType(images, dtypes.Float32)
	images = MulScalar(AddScalar(images, 1.0), 127.5)
	images = ClipScalar(images, 0.0, 255.0)
	return images
}
