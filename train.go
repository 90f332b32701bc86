package glide

import (
	"fmt"
	"path"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BuildTrainComputation builds the ModelFn for training and evaluation.
//
// Per batch it samples one uniform timestep per example in `[0, diffusion_timesteps-1)`,
// diffuses the images to those timesteps with fresh gaussian noise, runs the model, and
// takes the mean squared error between the added noise and the predicted epsilon. The
// scalar loss is returned as the second prediction, to be used with a custom loss.
func BuildTrainComputation(config *Config) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		images, tokens, masks := inputs[0], inputs[1], inputs[2]
		batchSize := images.Shape().Dimensions[0]

		images = config.PreprocessImages(images)
		noises := ctx.RandomNormal(g, images.Shape())
		config.NanLogger.TraceFirstNaN(noises, "noises")

		// One timestep per example, uniform in [0, numTimesteps-1).
		timesteps := ctx.RandomIntN(g, int32(config.Schedule.NumTimesteps-1),
			shapes.Make(dtypes.Int32, batchSize))

		noisyImages := config.Schedule.QSample(images, timesteps, noises)
		noisyImages = StopGradient(noisyImages)
		config.NanLogger.TraceFirstNaN(noisyImages, "noisyImages")

		// Sigma is discarded: only the epsilon half of the output is trained.
		epsilon, _ := UNetModelGraph(ctx, config.NanLogger, noisyImages, timesteps, tokens, masks)
		config.NanLogger.TraceFirstNaN(epsilon, "epsilon")

		if context.GetParamOr(ctx, "freeze_transformer", false) {
			ctx.In(TextEncoderScope).EnumerateVariablesInScope(func(v *context.Variable) {
				v.SetTrainable(false)
			})
		}
		if context.GetParamOr(ctx, "freeze_diffusion", false) {
			ctx.In(UNetScope).EnumerateVariablesInScope(func(v *context.Variable) {
				v.SetTrainable(false)
			})
		}

		// Large reduce operations overflow low-precision dtypes. We up-convert in those
		// cases, before calculating the loss.
		target, predicted := noises, epsilon
		if config.DType == dtypes.Float16 || config.DType == dtypes.BFloat16 {
			target = ConvertDType(target, dtypes.Float32)
			predicted = ConvertDType(predicted, dtypes.Float32)
		}
		lossFn := must.M1(losses.LossFromContext(ctx))
		loss := lossFn([]*Node{target}, []*Node{predicted})
		if !loss.IsScalar() {
			loss = ReduceAllMean(loss)
		}
		return []*Node{epsilon, loss}
	}
}

// TrainModel fine-tunes the model over the images in config.DataDir for the configured
// number of epochs.
//
// Weight snapshots are written to config.CheckpointsDir every "checkpoint_frequency"
// steps and once when training finishes. Preview images for "sample_prompt" are written
// to config.OutputsDir every "sample_frequency" steps.
func TrainModel(config *Config, tokenizer Tokenizer, verbosity int) error {
	ctx := config.Context
	backend := config.Backend
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	if verbosity >= 1 {
		// Enumerate parameters that were overridden in the command line.
		for _, paramPath := range config.ParamsSet {
			scope, name := context.SplitScope(paramPath)
			if scope == "" {
				if value, found := ctx.GetParam(name); found {
					fmt.Printf("\t%s=%v\n", name, value)
				}
			} else {
				if value, found := ctx.InAbsPath(scope).GetParam(name); found {
					fmt.Printf("\tscope=%q %s=%v\n", scope, name, value)
				}
			}
		}
	}
	if context.GetParamOr(ctx, "rng_reset", true) {
		// Reset RNG with some pseudo-random value.
		ctx.RngStateReset()
	}

	trainDS, numExamples, err := config.CreateTrainDataset(tokenizer)
	if err != nil {
		return err
	}
	if verbosity >= 1 {
		fmt.Printf("Training data: %d image/caption examples in %q\n", numExamples, config.DataDir)
	}

	// Custom loss: the model returns the scalar loss as the second element of the predictions.
	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }

	trainer := train.NewTrainer(
		backend, ctx, BuildTrainComputation(config), customLoss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{}, // trainMetrics
		[]metrics.Interface{}) // evalMetrics
	if config.NanLogger != nil {
		trainer.OnExecCreation(func(exec *context.Exec, _ train.GraphType) {
			config.NanLogger.AttachToExec(exec)
		})
	}
	if len(modelVariables(ctx)) > 0 {
		// Weights were loaded to resume fine-tuning: reuse them, while still letting
		// the optimizer create its own fresh state.
		trainer.SetContext(ctx.Checked(false))
	}

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// Weight snapshots: every checkpoint_frequency steps, plus one at the very end.
	// OnStep hooks fire before LoopStep increments: the n-th step sees LoopStep = n-1.
	if config.CheckpointsDir != "" {
		checkpointFrequency := context.GetParamOr(ctx, "checkpoint_frequency", 1000)
		train.EveryNSteps(loop, checkpointFrequency, "saving checkpoint", 100,
			func(loop *train.Loop, _ []*tensors.Tensor) error {
				return SaveWeights(ctx, CheckpointPath(config.CheckpointsDir, loop.LoopStep+1))
			})
		loop.OnEnd("saving final checkpoint", 100,
			func(loop *train.Loop, _ []*tensors.Tensor) error {
				return SaveWeights(ctx, CheckpointPath(config.CheckpointsDir, loop.LoopStep))
			})
	}

	sampleFrequency := context.GetParamOr(ctx, "sample_frequency", 100)

	// Metric points are appended every sample_frequency steps; they can be read back
	// with plots.LoadPoints or plotted with the gomlx_checkpoints tool.
	var pointsWriter chan<- plots.Point
	var pointsErr <-chan error
	if context.GetParamOr(ctx, "plots", true) && config.CheckpointsDir != "" {
		pointsWriter, pointsErr = plots.CreatePointsWriter(
			path.Join(config.CheckpointsDir, plots.TrainingPlotFileName))
		train.EveryNSteps(loop, sampleFrequency, "logging training loss", 100,
			func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
				if len(stepMetrics) == 0 {
					return nil
				}
				pointsWriter <- plots.Point{
					MetricName: "Train: Loss",
					Short:      "loss",
					MetricType: "loss",
					Step:       float64(loop.LoopStep + 1),
					Value:      shapes.ConvertTo[float64](stepMetrics[0].Value()),
				}
				return nil
			})
	}
	closePoints := func() error {
		if pointsWriter == nil {
			return nil
		}
		close(pointsWriter)
		pointsWriter = nil
		if err := <-pointsErr; err != nil {
			return errors.WithMessage(err, "failed to write training metric points")
		}
		return nil
	}

	// Preview images sampled from sample_prompt, saved as "<step>.png".
	if config.OutputsDir != "" {
		samplePrompt := context.GetParamOr(ctx, "sample_prompt", "")
		sampleBatchSize := context.GetParamOr(ctx, "sample_batch_size", 1)
		var generator *ImagesGenerator
		train.EveryNSteps(loop, sampleFrequency, "sampling previews", 100,
			func(loop *train.Loop, _ []*tensors.Tensor) error {
				if generator == nil {
					// The generator reuses the model variables, so it can only be
					// created once they exist.
					generator = NewImagesGenerator(config, tokenizer, samplePrompt, sampleBatchSize)
				}
				images := generator.Generate()
				imagePath := path.Join(config.OutputsDir, fmt.Sprintf("%d.png", loop.LoopStep+1))
				if err := WriteImageSheet(images, imagePath); err != nil {
					return err
				}
				images.FinalizeAll()
				return nil
			})
	}

	epochs := context.GetParamOr(ctx, "epochs", 20)
	if verbosity >= 1 {
		fmt.Printf("Starting training: %d epochs\n", epochs)
	}
	_, err = loop.RunEpochs(trainDS, epochs)
	if err != nil {
		if errPoints := closePoints(); errPoints != nil {
			klog.Errorf("Error while closing metric points writer: %+v", errPoints)
		}
		if config.CheckpointsDir != "" && loop.LoopStep > loop.StartStep {
			klog.Infof("Debug checkpoint save before failing at loop step %d", loop.LoopStep)
			if errSave := SaveWeights(ctx, CheckpointPath(config.CheckpointsDir, loop.LoopStep)); errSave != nil {
				klog.Errorf("Error while saving checkpoint before failing: %+v", errSave)
			}
		}
		return errors.WithMessagef(err, "training failed at step %d", loop.LoopStep)
	}
	if verbosity >= 1 {
		fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
	}
	return closePoints()
}
