package config

import (
	"context"
	"fmt"

	"github.com/apple/pkl-go/pkl"
)

// evaluatePkl renders the Pkl module at path as YAML so it decodes like a
// YAML config file. Durations are written as strings such as "30s".
func evaluatePkl(ctx context.Context, path string) ([]byte, error) {
	evaluator, err := pkl.NewEvaluator(ctx, pkl.PreconfiguredOptions, func(o *pkl.EvaluatorOptions) {
		o.OutputFormat = "yaml"
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	defer evaluator.Close()

	out, err := evaluator.EvaluateOutputText(ctx, pkl.FileSource(path))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate config %s: %w", path, err)
	}
	return []byte(out), nil
}
