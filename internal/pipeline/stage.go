// Package pipeline is the batch-analysis engine: composable lazy stages, a
// batching stage that runs cached work units in bounded waves, and a
// recursion stage that re-feeds selected results until a stop predicate
// converges.
//
// Every stage returns an iter.Seq2[T, error]. Nothing runs until the consumer
// ranges over it, and no stage pulls ahead of what its consumer asks for. A
// sequence yields a non-nil error at most once, as its final element.
package pipeline

import (
	"context"
	"iter"
)

// Stage transforms an input sequence into an output sequence.
type Stage[I, O any] interface {
	Run(ctx context.Context, in iter.Seq2[I, error], meta Meta) iter.Seq2[O, error]
}

// StageFunc adapts a plain function to a Stage.
type StageFunc[I, O any] func(ctx context.Context, in iter.Seq2[I, error], meta Meta) iter.Seq2[O, error]

func (f StageFunc[I, O]) Run(ctx context.Context, in iter.Seq2[I, error], meta Meta) iter.Seq2[O, error] {
	return f(ctx, in, meta)
}

type piped[A, B, C any] struct {
	first  Stage[A, B]
	second Stage[B, C]
}

// Pipe composes two stages: the output of first is fed, item by item, as the
// input of second. Both see the same meta.
func Pipe[A, B, C any](first Stage[A, B], second Stage[B, C]) Stage[A, C] {
	return piped[A, B, C]{first: first, second: second}
}

func (p piped[A, B, C]) Run(ctx context.Context, in iter.Seq2[A, error], meta Meta) iter.Seq2[C, error] {
	return p.second.Run(ctx, p.first.Run(ctx, in, meta), meta)
}

// FromSlice replays a materialized slice as a sequence.
func FromSlice[T any](items []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Empty is a sequence with no elements.
func Empty[T any]() iter.Seq2[T, error] {
	return func(func(T, error) bool) {}
}

// Fail is a sequence that yields err and ends.
func Fail[T any](err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		yield(zero, err)
	}
}

// Collect drains seq into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for item, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}

// Source is a stage that ignores its input and yields whatever Load returns.
// It adapts an already-materialized collection into the head of a pipeline.
type Source[T any] struct {
	Load func(ctx context.Context) ([]T, error)
}

func (s Source[T]) Run(ctx context.Context, _ iter.Seq2[struct{}, error], _ Meta) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		items, err := s.Load(ctx)
		if err != nil {
			var zero T
			yield(zero, err)
			return
		}
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}
