package pipeline

import (
	"context"
	"fmt"
	"iter"

	"go.uber.org/zap"
)

// Tagged pairs a result with the complete input list of the depth that
// produced it. Inputs is shared by every result of that depth; treat it as
// read-only.
type Tagged[O, I any] struct {
	Result O
	Inputs []I
	Depth  int
}

// Recursion runs Inner over its whole input, then maps the results into the
// next input and runs again, until Stop accepts a depth's results. Reaching
// MaxDepth is a DepthExceededError.
//
// Depths never overlap: depth d+1 starts only after depth d has drained and
// Stop has been consulted.
type Recursion[I, O any] struct {
	Inner Stage[I, O]
	// Mapper derives the next depth's input from one depth's results.
	Mapper func(ctx context.Context, results []O) ([]I, error)
	Stop   func(results []O) bool
	// MaxDepth bounds the depth counter, which starts at 0.
	MaxDepth int
	Logger   *zap.Logger
}

func (r *Recursion[I, O]) Run(ctx context.Context, in iter.Seq2[I, error], meta Meta) iter.Seq2[Tagged[O, I], error] {
	return func(yield func(Tagged[O, I], error) bool) {
		if r.Inner == nil || r.Mapper == nil || r.Stop == nil {
			yield(Tagged[O, I]{}, ConfigurationError{Reason: "recursion needs an inner stage, a mapper and a stop predicate"})
			return
		}
		r.run(ctx, in, meta, 0, yield)
	}
}

// run returns false once the consumer has stopped or an error was yielded.
func (r *Recursion[I, O]) run(ctx context.Context, in iter.Seq2[I, error], meta Meta, depth int, yield func(Tagged[O, I], error) bool) bool {
	if depth >= r.MaxDepth {
		yield(Tagged[O, I]{}, DepthExceededError{Depth: depth, MaxDepth: r.MaxDepth})
		return false
	}
	inputs, err := Collect(in)
	if err != nil {
		yield(Tagged[O, I]{}, err)
		return false
	}
	log := r.logger().With(zap.Int("depth", depth))
	log.Info("recursion depth started", zap.Int("inputs", len(inputs)))

	var results []O
	for res, err := range r.Inner.Run(ctx, FromSlice(inputs), meta.WithDepth(depth)) {
		if err != nil {
			yield(Tagged[O, I]{}, err)
			return false
		}
		results = append(results, res)
		if !yield(Tagged[O, I]{Result: res, Inputs: inputs, Depth: depth}, nil) {
			return false
		}
	}

	if r.Stop(results) {
		log.Info("recursion stopped by predicate", zap.Int("results", len(results)))
		return true
	}
	next, err := r.Mapper(ctx, results)
	if err != nil {
		yield(Tagged[O, I]{}, fmt.Errorf("map results at depth %d: %w", depth, err))
		return false
	}
	log.Info("recursing", zap.Int("results", len(results)), zap.Int("next_inputs", len(next)))
	return r.run(ctx, FromSlice(next), meta, depth+1, yield)
}

func (r *Recursion[I, O]) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
