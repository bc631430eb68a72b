// Package errors provides standardized error handling patterns for chatrelay components.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid
// (bad input or a permission the platform refused, non-retryable), and Fatal
// (unrecoverable, stop processing).
//
// # Quick Start
//
// Return standard error variables for known conditions:
//
//	if resp.Error == "missing_scope" {
//	    return errors.ErrMissingPermission
//	}
//
// Wrap errors with component context:
//
//	if err := store.UpsertProfile(ctx, p); err != nil {
//	    return errors.Wrap(err, "ProfileCache", "persist", "upsert profile")
//	}
//
// The resulting message follows "component.method: action failed: cause".
//
// Classify before retrying:
//
//	if errors.IsTransient(err) {
//	    // retry with backoff
//	}
//
// WrapTransient, WrapInvalid and WrapFatal attach a class explicitly and
// return a *ClassifiedError, which keeps Component and Operation available
// to callers through errors.As.
package errors
