package glide

import (
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTextImageDatasetEmptyDir(t *testing.T) {
	config := getTestConfig(t, t.TempDir(), "", "", nil)
	_, err := NewTextImageDataset(config, stubTokenizer{length: config.TextContext})
	require.ErrorContains(t, err, "no training images")
}

func TestTextImageDatasetYield(t *testing.T) {
	dataDir := t.TempDir()
	writeTestImage(t, filepath.Join(dataDir, "red.png"), color.NRGBA{R: 255, A: 255})
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "red.txt"), []byte("a red square\n"), 0644))
	writeTestImage(t, filepath.Join(dataDir, "green.png"), color.NRGBA{G: 255, A: 255})

	config := getTestConfig(t, dataDir, "", "", nil)
	ds, err := NewTextImageDataset(config, stubTokenizer{length: config.TextContext})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())

	// The caption comes from the sibling .txt file, trimmed; no caption file means
	// an empty caption.
	captions := []string{ds.examples[0].caption, ds.examples[1].caption}
	assert.ElementsMatch(t, []string{"", "a red square"}, captions)

	for range 2 {
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		require.Len(t, inputs, 3)
		assert.Empty(t, labels)
		assert.NoError(t, inputs[0].Shape().CheckDims(config.ImageSize, config.ImageSize, 3))
		assert.Equal(t, dtypes.Uint8, inputs[0].DType())
		assert.NoError(t, inputs[1].Shape().CheckDims(config.TextContext))
		assert.Equal(t, dtypes.Int32, inputs[1].DType())
		assert.NoError(t, inputs[2].Shape().CheckDims(config.TextContext))
		assert.Equal(t, dtypes.Bool, inputs[2].DType())
	}
	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err)

	// Reset starts a new epoch.
	ds.Reset()
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 3)
}
