package glide

import (
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// -set flag content
var ctxSettings *string

func init() {
	ctx := CreateDefaultContext()
	ctxSettings = commandline.CreateContextSettingsFlag(ctx, "")
}

// tinyTestParams shrinks the model so tests build and run in milliseconds.
// Entries in params override the tiny defaults.
func tinyTestParams(params map[string]any) map[string]any {
	tiny := map[string]any{
		"image_size":               8,
		"unet_channels_list":       []int{4, 8},
		"unet_num_residual_blocks": 1,
		"unet_attn_layers":         1,
		"unet_attn_heads":          2,
		"unet_attn_key_size":       4,
		"unet_attn_pos_size":       4,
		"sinusoidal_embed_size":    8,
		"text_ctx":                 4,
		"text_vocab_size":          32,
		"text_embed_size":          8,
		"text_layers":              1,
		"text_heads":               2,
		"text_key_size":            4,
		"sample_steps":             3,
		"plots":                    false,
	}
	for key, value := range params {
		tiny[key] = value
	}
	return tiny
}

func getTestConfig(t *testing.T, dataDir, checkpointsDir, outputsDir string, params map[string]any) *Config {
	ctx := CreateDefaultContext()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *ctxSettings))
	ctx.SetParams(tinyTestParams(params))
	backend := graphtest.BuildTestBackend()
	config, err := NewConfig(backend, ctx, dataDir, checkpointsDir, outputsDir, paramsSet)
	require.NoError(t, err)
	return config
}

// stubTokenizer maps caption bytes to token ids, so tests don't download a real
// tokenizer. Ids stay below the tiny "text_vocab_size".
type stubTokenizer struct{ length int }

func (s stubTokenizer) Encode(text string) (tokens []int32, mask []bool) {
	ids := make([]int, 0, len(text))
	for _, b := range []byte(text) {
		ids = append(ids, int(b)%32)
	}
	return padTokens(ids, s.length, 0)
}

func writeTestImage(t *testing.T, filePath string, c color.NRGBA) {
	img := imaging.New(16, 16, c)
	require.NoError(t, imaging.Save(img, filePath))
}
