package glide

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

const (
	// TextEncoderScope is the variable scope of the caption transformer. It can be
	// frozen independently with "freeze_transformer".
	TextEncoderScope = "text-encoder"

	// UNetScope is the variable scope of the image U-Net. It can be frozen
	// independently with "freeze_diffusion".
	UNetScope = "u-net"
)

// SinusoidalEmbedding provides embeddings of `x` for geometrically spaced frequencies.
// It is applied to the normalized diffusion timestep, and facilitates the model to easily
// map different ranges of the noise level.
func SinusoidalEmbedding(ctx *context.Context, x *Node) *Node {
	g := x.Graph()

	// Only 1/2 of the embedding size in frequencies: half is used for sine numbers, half for cosine numbers.
	halfEmbed := context.GetParamOr(ctx, "sinusoidal_embed_size", 32) / 2
	logMinFreq := math.Log(context.GetParamOr(ctx, "sinusoidal_min_freq", 1.0))
	logMaxFreq := math.Log(context.GetParamOr(ctx, "sinusoidal_max_freq", 1000.0))
	frequencies := IotaFull(g, shapes.Make(x.DType(), halfEmbed))
	frequencies = AddScalar(
		MulScalar(frequencies, (logMaxFreq-logMinFreq)/float64(halfEmbed-1.0)),
		logMinFreq)
	frequencies = Exp(frequencies)
	frequencies.AssertDims(halfEmbed)

	angularSpeeds := MulScalar(frequencies, 2.0*math.Pi)
	if !x.Shape().IsScalar() {
		angularSpeeds = ExpandLeftToRank(angularSpeeds, x.Rank())
	}
	angles := Mul(angularSpeeds, x)
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// NormalizeLayer behaves according to the layers.ParamNormalization hyperparameter.
// For rank-4 (image) inputs the layer normalization is over the spatial axes.
func NormalizeLayer(ctx *context.Context, x *Node) *Node {
	norm := context.GetParamOr(ctx, layers.ParamNormalization, "none")
	switch norm {
	case "none":
		// No-op.
	case "batch":
		x = batchnorm.New(ctx, x, -1).Center(false).Scale(false).Done()
	case "layer":
		if x.Rank() == 4 {
			x = layers.LayerNormalization(ctx, x, 1, 2).Done()
		} else {
			x = layers.LayerNormalization(ctx, x, -1).Done()
		}
	default:
		exceptions.Panicf("invalid %q setting %q: valid values are none, batch or layer",
			layers.ParamNormalization, norm)
	}
	return x
}

// TextEncoderGraph encodes tokenized captions to one feature vector per example.
//
// tokens is shaped `[batchSize, seqLen]` (int32) and masks `[batchSize, seqLen]` (bool),
// marking which positions hold real tokens. It returns the masked mean of the
// transformer outputs, shaped `[batchSize, text_embed_size]`.
func TextEncoderGraph(ctx *context.Context, nanLogger *nanlogger.NanLogger, tokens, masks *Node, dtype dtypes.DType) *Node {
	g := tokens.Graph()
	ctx = ctx.In(TextEncoderScope)

	batchSize := tokens.Shape().Dimensions[0]
	seqLen := tokens.Shape().Dimensions[1]
	tokens.AssertDims(batchSize, seqLen)
	masks.AssertDims(batchSize, seqLen)

	vocabSize := context.GetParamOr(ctx, "text_vocab_size", 50257)
	embedSize := context.GetParamOr(ctx, "text_embed_size", 512)
	numLayers := context.GetParamOr(ctx, "text_layers", 4)
	numHeads := context.GetParamOr(ctx, "text_heads", 8)
	keySize := context.GetParamOr(ctx, "text_key_size", 64)

	embed := layers.Embedding(ctx.In("token_embeddings"), tokens, dtype, vocabSize, embedSize, false)
	nanLogger.TraceFirstNaN(embed, "TextEncoderGraph:embed")

	// One learned positional embedding per token position.
	posEmbedVar := ctx.VariableWithShape("positional", shapes.Make(dtype, 1, seqLen, embedSize))
	embed = Add(embed, posEmbedVar.ValueGraph(g))

	for ii := range numLayers {
		scopedCtx := ctx.Inf("layer_%d", ii)
		residual := embed
		embed = layers.MultiHeadAttention(scopedCtx.In("attention"), embed, embed, embed, numHeads, keySize).
			SetKeyMask(masks).
			SetOutputDim(embedSize).
			Done()
		embed = layers.DropoutFromContext(scopedCtx, embed)
		embed = NormalizeLayer(scopedCtx.In("normalization_1"), Add(residual, embed))
		attentionOutput := embed

		embed = layers.Dense(scopedCtx.In("ffn_1"), embed, true, embedSize)
		embed = activations.ApplyFromContext(scopedCtx, embed)
		embed = layers.Dense(scopedCtx.In("ffn_2"), embed, true, embedSize)
		embed = layers.DropoutFromContext(scopedCtx, embed)
		embed = NormalizeLayer(scopedCtx.In("normalization_2"), Add(attentionOutput, embed))
		nanLogger.TraceFirstNaN(embed, "TextEncoderGraph:embed")
	}

	// Masked mean over the sequence: padding positions don't contribute.
	maskWeights := ExpandAxes(ConvertDType(masks, dtype), -1) // [batchSize, seqLen, 1]
	pooled := ReduceSum(Mul(embed, maskWeights), 1)
	pooled = Div(pooled, ReduceSum(maskWeights, 1))
	pooled.AssertDims(batchSize, embedSize)
	nanLogger.TraceFirstNaN(pooled, "TextEncoderGraph:pooled")
	return pooled
}

// concatContextFeatures to x, by broadcasting contextFeatures to x spatial dimensions.
func concatContextFeatures(x, contextFeatures *Node) *Node {
	if contextFeatures == nil {
		return x
	}
	broadcastDims := contextFeatures.Shape().Clone().Dimensions
	broadcastDims[1] = x.Shape().Dimensions[1]
	broadcastDims[2] = x.Shape().Dimensions[2]
	contextFeatures = BroadcastToDims(contextFeatures, broadcastDims...)
	return Concatenate([]*Node{x, contextFeatures}, -1)
}

// ResidualBlock on the input with `outputChannels` (axis 3) in the output.
//
// The parameter `x` must be of rank 4, shaped `[batchSize, height, width, channels]`.
func ResidualBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node, outputChannels int) *Node {
	x.AssertRank(4)
	inputChannels := x.Shape().Dimensions[3]
	residual := x
	if inputChannels != outputChannels {
		residual = layers.Dense(ctx.In("residual_projection"), x, true, outputChannels)
	}
	x = NormalizeLayer(ctx.In("norm"), x)
	x = layers.Convolution(ctx.In("conv_1"), x).Filters(outputChannels).KernelSize(3).PadSame().Done()
	x = activations.ApplyFromContext(ctx, x)
	x = layers.Convolution(ctx.In("conv_2"), x).Filters(outputChannels).KernelSize(3).PadSame().Done()
	x = layers.DropoutFromContext(ctx, x)
	x = Add(x, residual)
	nanLogger.TraceFirstNaN(x, "ResidualBlock")
	return x
}

// DownBlock applies `numBlocks` residual blocks followed by a mean pooling of size 2,
// halving the spatial size. It pushes the values between each residual block to the
// `skips` stack, to build the skip connections later.
func DownBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	for ii := range numBlocks {
		x = ResidualBlock(ctx.Inf("%03d-residual", ii), nanLogger, x, outputChannels)
		skips = append(skips, x)
	}
	x = MeanPool(x).Window(2).NoPadding().Done()
	return x, skips
}

// UpSampleImages doubles the spatial dimensions, repeating pixels.
func UpSampleImages(images *Node) *Node {
	shape := images.Shape()
	batchSize := shape.Dimensions[0]
	height, width := shape.Dimensions[1], shape.Dimensions[2]
	numChannels := shape.Dimensions[3]
	upSampled := Concatenate([]*Node{images, images}, 3)
	upSampled = Reshape(upSampled, batchSize, height, 2*width, numChannels)
	upSampled = Concatenate([]*Node{upSampled, upSampled}, 2)
	upSampled = Reshape(upSampled, batchSize, 2*height, 2*width, numChannels)
	return upSampled
}

// UpBlock is the counter-part to DownBlock. It up-samples the image and connects the
// skip-connections popped from `skips`.
//
// It returns `x` and `skips` after popping the consumed skip connections.
func UpBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	x = UpSampleImages(x)
	for ii := range numBlocks {
		scopedCtx := ctx.Inf("%03d-residual", ii)
		var skip *Node
		skip, skips = xslices.Pop(skips)
		x = Concatenate([]*Node{x, skip}, -1)
		x = ResidualBlock(scopedCtx, nanLogger, x, outputChannels)
	}
	return x, skips
}

// TransformerBlock takes x shaped `[batchSize, height, width, channels]`, collapses the
// spatial dimensions and applies "unet_attn_layers" self-attention layers over them.
func TransformerBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x *Node) *Node {
	g := x.Graph()
	dtype := x.DType()
	batchDim := x.Shape().Dimensions[0]
	embedDim := x.Shape().Dimensions[3]

	numLayers := context.GetParamOr(ctx, "unet_attn_layers", 0)
	numHeads := context.GetParamOr(ctx, "unet_attn_heads", 4)
	keyQueryDim := context.GetParamOr(ctx, "unet_attn_key_size", 16)
	posEmbedDim := context.GetParamOr(ctx, "unet_attn_pos_size", 16)

	// Collapse spatial dimensions of the image.
	embed := Reshape(x, batchDim, -1, embedDim)
	spatialDim := embed.Shape().Dimensions[1]

	// One positional embedding per spatial position, concatenated to the keys/queries.
	posEmbedShape := shapes.Make(dtype, 1, spatialDim, posEmbedDim)
	posEmbedVar := ctx.VariableWithShape("positional", posEmbedShape)
	posEmbed := posEmbedVar.ValueGraph(g)
	posEmbed = BroadcastToDims(posEmbed, batchDim, spatialDim, posEmbedDim)

	for ii := range numLayers {
		scopedCtx := ctx.Inf("layer_%d", ii)
		residual := embed
		embed = Concatenate([]*Node{embed, posEmbed}, -1)
		embed = layers.MultiHeadAttention(scopedCtx.In("attention"), embed, embed, embed, numHeads, keyQueryDim).
			SetOutputDim(embedDim).
			SetValueHeadDim(embedDim).Done()
		embed = layers.DropoutFromContext(scopedCtx, embed)
		embed = NormalizeLayer(scopedCtx.In("normalization_1"), embed)
		attentionOutput := embed

		embed = layers.Dense(scopedCtx.In("ffn_1"), embed, true, embedDim)
		embed = activations.ApplyFromContext(scopedCtx, embed)
		embed = layers.Dense(scopedCtx.In("ffn_2"), embed, true, embedDim)
		embed = layers.DropoutFromContext(scopedCtx, embed)
		embed = Add(embed, attentionOutput)
		embed = NormalizeLayer(scopedCtx.In("normalization_2"), embed)

		embed = Add(residual, embed)
		nanLogger.TraceFirstNaN(embed, "TransformerBlock")
	}
	return Reshape(embed, batchDim, x.Shape().Dimensions[1], x.Shape().Dimensions[2], -1)
}

// UNetModelGraph builds the text-conditioned U-Net.
//
// Parameters:
//   - noisyImages: images diffused to the given timesteps, shaped
//     `[batchSize, size, size, image_channels]`, in the model dtype.
//   - timesteps: one integer timestep per example, shaped `[batchSize]`.
//   - tokens, masks: tokenized captions, both shaped `[batchSize, text_ctx]`.
//
// It returns the predicted noise (epsilon) and the predicted noise scale (sigma), each
// shaped like noisyImages: the readout layer outputs "unet_output_channels" channels,
// split in half along the channels axis. Training only constrains epsilon; sigma is
// returned for samplers that use learned variances.
func UNetModelGraph(ctx *context.Context, nanLogger *nanlogger.NanLogger, noisyImages, timesteps, tokens, masks *Node) (epsilon, sigma *Node) {
	dtype := noisyImages.DType()
	batchSize := noisyImages.Shape().Dimensions[0]
	imgSize := noisyImages.Shape().Dimensions[1]
	imageChannels := noisyImages.Shape().Dimensions[3]
	noisyImages.AssertDims(batchSize, imgSize, imgSize, imageChannels)
	timesteps.AssertDims(batchSize)

	// Caption features, built under their own scope.
	textFeatures := TextEncoderGraph(ctx, nanLogger, tokens, masks, dtype)

	ctx = ctx.In(UNetScope)

	// nextCtx returns a new context prefixed with a counter, to give a nice ordering to the variables.
	layerNum := 0
	nextCtx := func(format string, args ...any) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return
	}

	numTimesteps := context.GetParamOr(ctx, "diffusion_timesteps", 1000)
	outputChannels := context.GetParamOr(ctx, "unet_output_channels", 2*imageChannels)
	numChannelsList := context.GetParamOr(ctx, "unet_channels_list", []int{64, 96, 128})
	numBlocks := context.GetParamOr(ctx, "unet_num_residual_blocks", 2)

	// Timestep embedding: normalize to [0, 1) and take the sinusoidal representation.
	times := ConvertDType(timesteps, dtype)
	times = MulScalar(times, 1.0/float64(numTimesteps))
	times = ExpandAxes(times, -1, -1, -1) // [batchSize, 1, 1, 1]
	sinEmbed := SinusoidalEmbedding(ctx, times)
	nanLogger.TraceFirstNaN(sinEmbed, "UNetModelGraph:sinEmbed")

	// Context features broadcast to every spatial position: timestep + caption.
	contextFeatures := Concatenate([]*Node{sinEmbed, ExpandAxes(textFeatures, 1, 2)}, -1)

	// Adjust imageChannels to the initial number of channels.
	x := layers.Dense(nextCtx("StartingChannelsProjection"), noisyImages, true, numChannelsList[0])

	// Downward: keep pooling the image to a smaller size.
	// Keep the `skips` features as we move downward, so they can be "skip" connected later as we move upward.
	skips := make([]*Node, 0, numBlocks*len(numChannelsList))
	for ii, numChannels := range numChannelsList {
		blockCtx := nextCtx("DownBlock_%d", ii)
		x = concatContextFeatures(x, contextFeatures)
		x, skips = DownBlock(blockCtx, nanLogger, x, skips, numBlocks, numChannels)
		nanLogger.TraceFirstNaN(x, "UNetModelGraph:down")
	}

	// Innermost part of the model: smallest spatial shape, largest embedding size.
	if context.GetParamOr(ctx, "unet_attn_layers", 0) > 0 {
		x = TransformerBlock(nextCtx("Attention"), nanLogger, x)
	} else {
		lastNumChannels := xslices.Last(numChannelsList)
		for ii := range numBlocks {
			x = ResidualBlock(nextCtx("IntermediaryBlock-%02d", ii), nanLogger, x, lastNumChannels)
		}
	}

	// Upward: up-sample the image back to the original size, one block at a time.
	for ii := range numChannelsList {
		blockCtx := nextCtx("UpBlock_%d", ii)
		numChannels := numChannelsList[len(numChannelsList)-(ii+1)]
		x, skips = UpBlock(blockCtx, nanLogger, x, skips, numBlocks, numChannels)
		nanLogger.TraceFirstNaN(x, "UNetModelGraph:up")
	}
	if len(skips) != 0 {
		exceptions.Panicf("ended with %d skips not accounted for!?", len(skips))
	}

	// Readout initialized to 0, which is the mean of the target.
	readoutCtx := nextCtx("Readout").WithInitializer(func(g *Graph, shape shapes.Shape) *Node {
		return Zeros(g, shape)
	})
	x = layers.DenseWithBias(readoutCtx, x, outputChannels)
	nanLogger.TraceFirstNaN(x, "UNetModelGraph:readout")

	halves := Split(x, -1, 2)
	epsilon, sigma = halves[0], halves[1]
	return
}
