package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrQuestionNotFound is returned when a question id is unknown.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrQuestionNotLive indicates an answer was submitted outside the live phase.
	ErrQuestionNotLive = errors.New("question is not live")
	// ErrInvalidTransition indicates the requested lifecycle move is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid question state transition")
	// ErrDuplicateAnswer is returned for a second answer by the same user to the same question.
	ErrDuplicateAnswer = errors.New("answer already submitted for this question")
	// ErrUserNotFound is returned when a score increment targets an unknown user.
	ErrUserNotFound = errors.New("user not found")

	// ErrConcurrency is the parent of every concurrency violation.
	ErrConcurrency = errors.New("concurrency violation")
	// ErrTransitionInProgress means another ending for the same question holds the lock.
	ErrTransitionInProgress = fmt.Errorf("%w: question transition already in progress", ErrConcurrency)
	// ErrAlreadyEnded means the question has already been ended.
	ErrAlreadyEnded = fmt.Errorf("%w: question already ended", ErrConcurrency)
	// ErrStaleStatus means the stored status no longer matches the expected one.
	ErrStaleStatus = fmt.Errorf("%w: question status changed concurrently", ErrConcurrency)

	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrClassification is matched by every ClassificationError.
	ErrClassification = errors.New("classification failed")
)

// ValidationError rejects bad input to an operation. No state is changed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ClassificationError wraps any failure of the grouping classifier.
// The question it was ending is left live and the ending may be retried.
type ClassificationError struct {
	Err error
}

func (e *ClassificationError) Error() string { return "classification failed: " + e.Err.Error() }

func (e *ClassificationError) Unwrap() error { return e.Err }

func (e *ClassificationError) Is(target error) bool { return target == ErrClassification }
