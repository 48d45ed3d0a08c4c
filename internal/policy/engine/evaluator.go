package engine

import "context"

// Evaluator decides whether a verified presentation satisfies the business
// rules of its flow.
type Evaluator interface {
	// Accepted evaluates the acceptance policy for the given request type over
	// the flattened presented attributes. Returns false when no rule accepts.
	Accepted(ctx context.Context, requestType string, attrs map[string]string) (bool, error)
}
