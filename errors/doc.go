// Package errors provides structured error types for the signing bridge.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the operation, the expected and actual guest types for
// mismatches, a detail message and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseDecode, errors.KindTypeMismatch).
//		Op("post").
//		Want("java/lang/String").
//		Got("java/util/HashSet").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.TypeMismatch(errors.PhaseDecode, "post", "java/lang/String", "java/util/HashSet")
//	err := errors.NotFound(errors.PhaseResolve, "native method", desc)
//
// All errors implement the standard error interface and support errors.Is/As.
// errors.Is matches on Phase and Kind only, so callers can test categories:
//
//	if errors.Is(err, errors.Category(errors.PhaseInvoke, errors.KindTrap)) { ... }
package errors
