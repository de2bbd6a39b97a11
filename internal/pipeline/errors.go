package pipeline

import "fmt"

// ConfigurationError reports an invariant violation in how a stage was set up
// or fed. It is never retried.
type ConfigurationError struct {
	Reason string
}

func (e ConfigurationError) Error() string {
	return "pipeline configuration: " + e.Reason
}

// DepthExceededError reports that a recursion stage reached its depth limit
// without the stop predicate firing.
type DepthExceededError struct {
	Depth    int
	MaxDepth int
}

func (e DepthExceededError) Error() string {
	return fmt.Sprintf("recursion depth %d reached limit %d without converging", e.Depth, e.MaxDepth)
}

// CollaboratorError wraps a failure of Analyze, SelectTop, or the artifact store.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e CollaboratorError) Unwrap() error { return e.Err }

const (
	OpAnalyze     = "analyze"
	OpSelectTop   = "select_top"
	OpStoreQuery  = "store.query"
	OpStoreInsert = "store.insert"
)
