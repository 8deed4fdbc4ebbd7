// Package validator scores collected evidence artifacts against declarative
// rule sets.
//
// Validation never fails with an error: an unreadable artifact produces a
// verdict with IsValid=false and a single error issue. All checks are
// independent of each other; their order only affects the ordering of the
// issue list. The aggregate score is a linear penalty model:
//
//	score = max(0, 1.0 - 0.3*errors - 0.1*warnings)
//
// and IsValid holds exactly when no error issues were raised.
package validator
