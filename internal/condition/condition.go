// Package condition carries the prompt, image and control conditioning
// consumed by the sampling loop, plus the latent-space geometry derived
// from pixel dimensions.
package condition

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyPrompts = errors.New("conditioning bundle has no positive prompts")
	ErrDimMismatch  = errors.New("embedding dimensions do not match")
	ErrBadGeometry  = errors.New("pixel dimensions do not map to the latent grid")
)

// Embedding is one encoded prompt: Tokens rows of Dim features.
type Embedding struct {
	Tokens int
	Dim    int
	Data   []float32
}

// NewEmbedding validates the backing data against the stated shape.
func NewEmbedding(tokens, dim int, data []float32) (Embedding, error) {
	if tokens <= 0 || dim <= 0 || len(data) != tokens*dim {
		return Embedding{}, fmt.Errorf("%w: %d x %d with %d values", ErrDimMismatch, tokens, dim, len(data))
	}
	return Embedding{Tokens: tokens, Dim: dim, Data: data}, nil
}

// Bundle is the full prompt conditioning for one run. Positive holds one
// embedding per temporal section when multiple prompts are supplied;
// Negative drives the unconditional branch.
type Bundle struct {
	Positive []Embedding
	Negative Embedding
}

// Validate checks the bundle before a run starts: at least one positive
// prompt, and a uniform feature dimension across all embeddings.
func (b Bundle) Validate() error {
	if len(b.Positive) == 0 {
		return ErrEmptyPrompts
	}
	dim := b.Positive[0].Dim
	for i, e := range b.Positive {
		if e.Dim != dim {
			return fmt.Errorf("%w: prompt %d has dim %d, want %d", ErrDimMismatch, i, e.Dim, dim)
		}
	}
	if b.Negative.Dim != 0 && b.Negative.Dim != dim {
		return fmt.Errorf("%w: negative prompt has dim %d, want %d", ErrDimMismatch, b.Negative.Dim, dim)
	}
	return nil
}
