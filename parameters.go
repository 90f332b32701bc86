// Package glide implements fine-tuning and sampling of a GLIDE-style text-conditioned
// image diffusion model.
//
// The model is a text-conditioned U-Net trained to predict the noise (epsilon) added to
// images by a discrete forward diffusion process. Captions are tokenized with a
// HuggingFace tokenizer and encoded by a small transformer; its pooled output conditions
// the U-Net along with a sinusoidal embedding of the diffusion timestep.
//
// The subdirectories `train/` and `generate/` have the command line binaries for
// fine-tuning and for sampling images from a prompt.
//
// Hyperparameters are set in the context (see CreateDefaultContext) and can be
// overridden in the command line with the `-set` flag.
package glide

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		// batch_size for training.
		"batch_size": 1,

		// epochs to train for: each epoch is one pass over the training images.
		"epochs": 20,

		// image_size (height and width) the model works on. Images are resized/cropped to it.
		"image_size": 64,

		// image_channels of the input images (3 for RGB).
		"image_channels": 3,

		// unet_output_channels must be 2*image_channels: the model predicts per-pixel
		// (epsilon, sigma) pairs, split along the channels axis.
		"unet_output_channels": 6,

		// dtype to use for the model. Set to "float16" or "bfloat16" for mixed precision.
		"dtype": "float32",

		// resize_ratio is the smallest fraction of the image kept by the random crop
		// during training. 1.0 disables the random crop.
		"resize_ratio": 0.8,

		// uncond_p is the probability of dropping the caption of an example, training
		// the unconditional model used by classifier-free guidance.
		"uncond_p": 0.0,

		// use_captions, if false, trains an unconditional model (all captions dropped).
		"use_captions": true,

		// text_ctx is the fixed token length captions are padded/truncated to.
		"text_ctx": 128,

		// text_vocab_size must cover the ids produced by the tokenizer.
		"text_vocab_size": 50257,

		// Text-encoder transformer:
		"text_embed_size": 512,
		"text_layers":     4,
		"text_heads":      8,
		"text_key_size":   64,

		// diffusion_timesteps is the length of the discrete noise schedule.
		"diffusion_timesteps": 1000,

		// U-Net model:
		"unet_channels_list":       []int{64, 96, 128}, // Channels per image resolution (progressively smaller).
		"unet_num_residual_blocks": 2,                  // Residual blocks per resolution.
		"unet_attn_layers":         1,                  // Self-attention layers at the innermost resolution. 0 uses residual blocks instead.
		"unet_attn_heads":          4,
		"unet_attn_key_size":       16,
		"unet_attn_pos_size":       16,

		// Sinusoidal embedding of the diffusion timestep.
		"sinusoidal_embed_size": 32,
		"sinusoidal_min_freq":   1.0,
		"sinusoidal_max_freq":   1000.0,

		// sample_frequency is the number of training steps between generating preview
		// images from sample_prompt. Previews are saved as PNG under the outputs directory.
		"sample_frequency":      100,
		"sample_prompt":         "",
		"sample_batch_size":     1,
		"sample_guidance_scale": 4.0,
		"sample_steps":          27, // Respaced diffusion steps used for sampling.

		// checkpoint_frequency is the number of training steps between weight snapshots.
		// A final snapshot is always written when training finishes.
		"checkpoint_frequency": 1000,

		// freeze_transformer/freeze_diffusion exclude the text-encoder or the U-Net
		// weights from training.
		"freeze_transformer": false,
		"freeze_diffusion":   false,

		// data_workers is the number of goroutines pre-loading and transforming images.
		// 0 loads images inline with the training loop.
		"data_workers": 0,

		// rng_reset enables resetting the random number generator state with a new random
		// value -- useful when continuing training.
		"rng_reset": true,

		// Debugging: add a NanLogger to help debug where NaNs may appear in the model.
		"nan_logger": false,

		// plots appends training metric points to a JSON file under the checkpoints
		// directory, one entry per preview step.
		"plots": true,

		layers.ParamNormalization:       "layer",
		activations.ParamActivation:     "swish",
		layers.ParamDropoutRate:         0.1,
		losses.ParamLoss:                "mse",
		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamAdamWeightDecay: 0.0,
		optimizers.ParamLearningRate:    2e-5,
	})
	return ctx
}
