package pipeline

import "maps"

// Meta is the ambient configuration threaded down a stage chain. It is a
// value: every With* method returns a modified copy and never touches the
// receiver, so a stage can extend it for downstream stages without leaking
// the change upstream or to siblings.
type Meta struct {
	depth    int
	hasDepth bool

	batchSize   int
	maxBatches  int
	concurrency int
	ignoreCache *bool

	extra map[string]any
}

func (m Meta) WithDepth(depth int) Meta {
	m.depth, m.hasDepth = depth, true
	return m
}

// Depth reports the recursion depth, if the caller runs inside a recursion stage.
func (m Meta) Depth() (int, bool) { return m.depth, m.hasDepth }

func (m Meta) WithBatchSize(n int) Meta   { m.batchSize = n; return m }
func (m Meta) WithMaxBatches(n int) Meta  { m.maxBatches = n; return m }
func (m Meta) WithConcurrency(n int) Meta { m.concurrency = n; return m }

func (m Meta) WithIgnoreCache(v bool) Meta {
	m.ignoreCache = &v
	return m
}

// With sets a caller-defined key.
func (m Meta) With(key string, value any) Meta {
	extra := make(map[string]any, len(m.extra)+1)
	maps.Copy(extra, m.extra)
	extra[key] = value
	m.extra = extra
	return m
}

func (m Meta) Get(key string) (any, bool) {
	v, ok := m.extra[key]
	return v, ok
}

// Fields flattens the set fields into a map. Unset recognized fields are
// omitted so they never shadow a stage's own defaults.
func (m Meta) Fields() map[string]any {
	out := make(map[string]any, len(m.extra)+5)
	maps.Copy(out, m.extra)
	if m.hasDepth {
		out["recursion_depth"] = m.depth
	}
	if m.batchSize > 0 {
		out["batch_size"] = m.batchSize
	}
	if m.maxBatches > 0 {
		out["max_batches"] = m.maxBatches
	}
	if m.concurrency > 0 {
		out["concurrency"] = m.concurrency
	}
	if m.ignoreCache != nil {
		out["ignore_cached"] = *m.ignoreCache
	}
	return out
}
