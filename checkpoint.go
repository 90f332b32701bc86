package glide

import (
	"encoding/gob"
	"fmt"
	"os"
	"path"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// CheckpointPath returns the file the weights snapshot of the given training step is
// written to: `<dir>/glide-ft-<step>.pt`.
func CheckpointPath(dir string, step int) string {
	return path.Join(dir, fmt.Sprintf("glide-ft-%d.pt", step))
}

// modelVariables returns the model variables (text-encoder and U-Net scopes), in
// deterministic order. Optimizer state and other bookkeeping variables are not included.
func modelVariables(ctx *context.Context) []*context.Variable {
	var vars []*context.Variable
	for _, scope := range []string{TextEncoderScope, UNetScope} {
		ctx.In(scope).EnumerateVariablesInScope(func(v *context.Variable) {
			vars = append(vars, v)
		})
	}
	return vars
}

// SaveWeights writes a weights-only snapshot of the model variables to filePath.
//
// The file is a gob stream of (scope, name, tensor) entries. It holds no optimizer or
// training-loop state: training resumed from it starts with fresh optimizer state.
func SaveWeights(ctx *context.Context, filePath string) error {
	vars := modelVariables(ctx)
	if len(vars) == 0 {
		return errors.Errorf("no model variables to save -- model hasn't been built yet")
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint file %q", filePath)
	}
	err = exceptions.TryCatch[error](func() {
		enc := gob.NewEncoder(f)
		must.M(enc.Encode(len(vars)))
		for _, v := range vars {
			must.M(enc.Encode(v.Scope()))
			must.M(enc.Encode(v.Name()))
			must.M(v.MustValue().GobSerialize(enc))
		}
		must.M(f.Close())
	})
	if err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "failed to write checkpoint %q", filePath)
	}
	return nil
}

// LoadWeights reads a snapshot written by SaveWeights into ctx, creating the variables
// if they don't exist yet, overwriting their values if they do.
func LoadWeights(ctx *context.Context, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open checkpoint file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	ctx = ctx.Checked(false)
	err = exceptions.TryCatch[error](func() {
		dec := gob.NewDecoder(f)
		var numVars int
		must.M(dec.Decode(&numVars))
		for range numVars {
			var scope, name string
			must.M(dec.Decode(&scope))
			must.M(dec.Decode(&name))
			value := must.M1(tensors.GobDeserialize(dec))
			v := ctx.InAbsPath(scope).VariableWithValue(name, value)
			must.M(v.SetValue(value))
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to read checkpoint %q", filePath)
	}
	return nil
}
