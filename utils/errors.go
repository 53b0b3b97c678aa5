package utils

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrResourceExhausted is returned when a requested allocation exceeds the
// configured tensor budget.
var ErrResourceExhausted = errors.New("resource exhausted")

// ShapeError reports a tensor that does not match its declared shape.
type ShapeError struct {
	Tensor string
	Dim    string
	Got    int
	Want   int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape mismatch: %s %s: got %d, want %d", e.Tensor, e.Dim, e.Got, e.Want)
}

// CheckDims verifies that m is (rows x cols). A negative want skips that axis.
func CheckDims(name string, m mat.Matrix, rows, cols int) error {
	if d, ok := m.(*mat.Dense); m == nil || (ok && d == nil) {
		return &ShapeError{Tensor: name, Dim: "rows", Got: 0, Want: rows}
	}
	r, c := m.Dims()
	if rows >= 0 && r != rows {
		return &ShapeError{Tensor: name, Dim: "rows", Got: r, Want: rows}
	}
	if cols >= 0 && c != cols {
		return &ShapeError{Tensor: name, Dim: "columns", Got: c, Want: cols}
	}
	return nil
}

// CheckLen verifies a slice-backed dimension.
func CheckLen(name, dim string, got, want int) error {
	if got != want {
		return &ShapeError{Tensor: name, Dim: dim, Got: got, Want: want}
	}
	return nil
}

// CheckBudget fails with ErrResourceExhausted when elements exceeds limit.
// A limit of zero disables the check.
func CheckBudget(what string, elements, limit int) error {
	if limit > 0 && elements > limit {
		return fmt.Errorf("%s needs %d elements, budget is %d: %w", what, elements, limit, ErrResourceExhausted)
	}
	return nil
}
