// Package requirements defines the pluggable hardening check capability. The
// engine iterates requirements and aggregates outcomes; what a check actually
// verifies is an external concern behind the Validator interface.
package requirements

import (
	"context"
	"fmt"

	"stagegate/internal/repo"
)

// Validator answers whether a single named requirement holds for a project.
// Implementations must not mutate project state.
type Validator interface {
	Check(ctx context.Context, projectID, category, requirement string) (bool, error)
}

// CategoryError wraps a validator failure with its category so callers can
// tell a technical-check failure from a business-check failure.
type CategoryError struct {
	Category string
	Err      error
}

func (e CategoryError) Error() string {
	return fmt.Sprintf("category %s validator: %v", e.Category, e.Err)
}

func (e CategoryError) Unwrap() error { return e.Err }

// EvidenceValidator passes a requirement when the project has at least one
// recorded evidence row naming it. This is the default production validator.
type EvidenceValidator struct {
	Repo repo.Repo
}

func (v EvidenceValidator) Check(ctx context.Context, projectID, category, requirement string) (bool, error) {
	found, err := v.Repo.EvidenceRequirements(ctx, projectID)
	if err != nil {
		return false, CategoryError{Category: category, Err: err}
	}
	return found[requirement], nil
}

// StaticValidator answers from a fixed table; requirements absent from the
// table fail. Used by tests and dry runs.
type StaticValidator struct {
	Passing map[string]bool
	// Err, when set, is returned for every check in FailCategory.
	FailCategory string
	Err          error
}

func (v StaticValidator) Check(ctx context.Context, projectID, category, requirement string) (bool, error) {
	if v.Err != nil && category == v.FailCategory {
		return false, CategoryError{Category: category, Err: v.Err}
	}
	return v.Passing[requirement], nil
}
