package meshop

import "github.com/lyzr/meshcore/mesherr"

// Config bounds the executor.
type Config struct {
	MaxDepth             int
	MaxArgs              int
	RequireMeshDecorator bool
}

// DefaultConfig returns the standard executor limits.
func DefaultConfig() Config {
	return Config{MaxDepth: 50, MaxArgs: 100, RequireMeshDecorator: true}
}

// Validate rejects chains deeper than MaxDepth, or any Apply with more
// than MaxArgs arguments, naming the offending index.
func (c OperationChain) Validate(cfg Config) error {
	if len(c) > cfg.MaxDepth {
		return mesherr.New(mesherr.KindChainTooDeep, "chain length %d exceeds max depth %d", len(c), cfg.MaxDepth)
	}
	for i, op := range c {
		if op.Kind == OpApply && len(op.Args) > cfg.MaxArgs {
			return mesherr.New(mesherr.KindTooManyArgs, "apply at chain index %d has %d args, max %d", i, len(op.Args), cfg.MaxArgs)
		}
	}
	return nil
}
