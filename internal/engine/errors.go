package engine

import "strings"

// ValidationError lists every problem found on one record in a single pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}
