package glide

import (
	"image"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// imageExtensions accepted when scanning the data directory.
var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true,
}

type textImageExample struct {
	imagePath string
	caption   string
}

// TextImageDataset implements train.Dataset and yields one (image, tokens, mask)
// example at a time.
//
// It scans a directory (recursively) for image files; a sibling file with the same name
// and a `.txt` extension, when present, holds the caption. Images are randomly cropped
// (controlled by the "resize_ratio" hyperparameter) and resized to the configured size.
// With probability "uncond_p" -- or always, when "use_captions" is false -- the caption
// is dropped, training the unconditional model used by classifier-free guidance.
type TextImageDataset struct {
	config    *Config
	tokenizer Tokenizer
	examples  []textImageExample

	resizeRatio float64
	uncondP     float64
	useCaptions bool

	mu   sync.Mutex
	next int
}

// NewTextImageDataset scans config.DataDir and returns the dataset.
// It returns an error if the directory holds no images.
func NewTextImageDataset(config *Config, tokenizer Tokenizer) (*TextImageDataset, error) {
	var examples []textImageExample
	err := filepath.WalkDir(config.DataDir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !imageExtensions[ext] {
			return nil
		}
		caption := ""
		captionPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".txt"
		if data, err := os.ReadFile(captionPath); err == nil {
			caption = strings.TrimSpace(string(data))
		}
		examples = append(examples, textImageExample{imagePath: path, caption: caption})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan data directory %q", config.DataDir)
	}
	if len(examples) == 0 {
		return nil, errors.Errorf("no training images found under %q -- expected image files with "+
			"optional sibling .txt caption files", config.DataDir)
	}
	ctx := config.Context
	return &TextImageDataset{
		config:      config,
		tokenizer:   tokenizer,
		examples:    examples,
		resizeRatio: context.GetParamOr(ctx, "resize_ratio", 0.8),
		uncondP:     context.GetParamOr(ctx, "uncond_p", 0.0),
		useCaptions: context.GetParamOr(ctx, "use_captions", true),
	}, nil
}

// Len returns the number of examples found in the data directory.
func (ds *TextImageDataset) Len() int { return len(ds.examples) }

// Name implements train.Dataset.
func (ds *TextImageDataset) Name() string { return "text-image pairs" }

// nextIndex returns the next example index, or -1 at the end of the epoch.
// Concurrency safe, so the dataset can be wrapped in datasets.CustomParallel.
func (ds *TextImageDataset) nextIndex() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	index := ds.next
	if ds.next < 0 {
		return index
	}
	ds.next++
	if ds.next >= len(ds.examples) {
		ds.next = -1 // End of epoch.
	}
	return index
}

// Yield implements train.Dataset.
//
// Each example consists of three inputs and no labels:
//
//   - the image, shaped `[size, size, channels]`, dtype uint8;
//   - the caption token ids, shaped `[text_ctx]`, dtype int32;
//   - the token mask, shaped `[text_ctx]`, dtype bool.
func (ds *TextImageDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	spec = ds
	index := ds.nextIndex()
	if index < 0 {
		err = io.EOF
		return
	}
	example := ds.examples[index]
	img, err := imaging.Open(example.imagePath)
	if err != nil {
		err = errors.Wrapf(err, "failed to read image %q", example.imagePath)
		return
	}
	img = ds.transform(img)

	caption := example.caption
	if !ds.useCaptions || (ds.uncondP > 0 && rand.Float64() < ds.uncondP) {
		caption = ""
	}
	tokens, mask := ds.tokenizer.Encode(caption)

	inputs = []*tensors.Tensor{
		timage.ToTensor(dtypes.Uint8).Single(img),
		tensors.FromValue(tokens),
		tensors.FromValue(mask),
	}
	return
}

// transform crops a random square patch -- covering between resize_ratio and 1.0 of the
// smallest image dimension -- and resizes it to the configured image size.
func (ds *TextImageDataset) transform(img image.Image) image.Image {
	width := img.Bounds().Dx()
	height := img.Bounds().Dy()
	side := min(width, height)
	if ds.resizeRatio < 1.0 {
		scale := ds.resizeRatio + rand.Float64()*(1.0-ds.resizeRatio)
		side = int(math.Round(scale * float64(side)))
	}
	x0 := rand.Intn(width - side + 1)
	y0 := rand.Intn(height - side + 1)
	img = imaging.Crop(img, image.Rect(x0, y0, x0+side, y0+side))
	return imaging.Resize(img, ds.config.ImageSize, ds.config.ImageSize, imaging.Linear)
}

// Reset implements train.Dataset. It reshuffles the examples for the next epoch.
func (ds *TextImageDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	rand.Shuffle(len(ds.examples), func(i, j int) {
		ds.examples[i], ds.examples[j] = ds.examples[j], ds.examples[i]
	})
	ds.next = 0
}

// CreateTrainDataset builds the batched training dataset: the examples of
// config.DataDir, optionally pre-loaded by "data_workers" parallel goroutines, grouped
// in batches of config.BatchSize (incomplete batches are dropped).
func (c *Config) CreateTrainDataset(tokenizer Tokenizer) (ds train.Dataset, numExamples int, err error) {
	base, err := NewTextImageDataset(c, tokenizer)
	if err != nil {
		return nil, 0, err
	}
	ds = base
	if workers := context.GetParamOr(c.Context, "data_workers", 0); workers > 0 {
		ds = datasets.CustomParallel(ds).Parallelism(workers).Buffer(2 * workers).Start()
	}
	ds = datasets.Batch(c.Backend, ds, c.BatchSize, true, true)
	return ds, base.Len(), nil
}
