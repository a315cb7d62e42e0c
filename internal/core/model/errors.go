package model

import (
	"context"
	"errors"
)

var (
	ErrInput       = errors.New("invalid input")
	ErrGeometry    = errors.New("geometry error")
	ErrUnavailable = errors.New("backend unavailable")
	ErrExpression  = errors.New("expression rejected")
	ErrCleanup     = errors.New("cleanup failed")
	ErrCancelled   = errors.New("cancelled")
	ErrNotFound    = errors.New("not found")
)

type ErrorClass string

const (
	ClassNone        ErrorClass = ""
	ClassInput       ErrorClass = "input"
	ClassGeometry    ErrorClass = "geometry"
	ClassUnavailable ErrorClass = "unavailable"
	ClassExpression  ErrorClass = "expression"
	ClassCleanup     ErrorClass = "cleanup"
	ClassCancelled   ErrorClass = "cancelled"
	ClassInternal    ErrorClass = "internal"
)

func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCancelled
	case errors.Is(err, ErrInput), errors.Is(err, ErrNotFound):
		return ClassInput
	case errors.Is(err, ErrGeometry):
		return ClassGeometry
	case errors.Is(err, ErrUnavailable):
		return ClassUnavailable
	case errors.Is(err, ErrExpression):
		return ClassExpression
	case errors.Is(err, ErrCleanup):
		return ClassCleanup
	}
	return ClassInternal
}

// Aborts reports whether an error of this class stops the whole request
// rather than only the affected target.
func (c ErrorClass) Aborts() bool {
	return c == ClassUnavailable || c == ClassCancelled
}

func Remedy(c ErrorClass) string {
	switch c {
	case ClassInput:
		return "check the source and target collections and the predicate selection"
	case ClassGeometry:
		return "repair the source geometry or select different source features"
	case ClassUnavailable:
		return "check the backend connection or choose another backend for this collection"
	case ClassExpression:
		return "review the existing filter on the collection and clear it if it is malformed"
	case ClassCancelled:
		return "run the filter again"
	}
	return ""
}

const RemedyEroded = "reduce buffer distance, all features fully eroded"
