// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import "fmt"

// InputError indicates structurally invalid input: missing required
// columns, mismatched dimensions, unreadable files. It is always fatal
// to the whole call.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }

func inputErrorf(format string, args ...interface{}) error {
	return &InputError{Msg: fmt.Sprintf(format, args...)}
}

// NoOverlapError is returned by Match when zero summary-statistics
// rows match the reference panel. Partial overlap is never an error;
// it is reported through MatchCounts instead.
type NoOverlapError struct {
	NInput int
	NPanel int
}

func (e *NoOverlapError) Error() string {
	return fmt.Sprintf("no variants in common between summary statistics (%d rows) and panel (%d rows)", e.NInput, e.NPanel)
}

// InvalidHyperparameterError indicates an out-of-domain model
// hyperparameter (h2 <= 0, or p outside (0,1]).
type InvalidHyperparameterError struct {
	Name  string
	Value float64
}

func (e *InvalidHyperparameterError) Error() string {
	return fmt.Sprintf("invalid hyperparameter %s=%g", e.Name, e.Value)
}

// ConvergenceError indicates an iterative solve that did not reach the
// requested tolerance within the iteration budget.
type ConvergenceError struct {
	Iterations int
	Residual   float64
	Tolerance  float64
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("no convergence after %d iterations (residual %g, tolerance %g)", e.Iterations, e.Residual, e.Tolerance)
}

// DivergedChainError marks a single Gibbs chain whose heritability
// estimate went non-finite or negative. It is recorded on the chain
// result and never propagated as a fatal error to sibling chains.
type DivergedChainError struct {
	Chain     int
	Iteration int
	H2        float64
}

func (e *DivergedChainError) Error() string {
	return fmt.Sprintf("chain %d diverged at iteration %d (h2=%g)", e.Chain, e.Iteration, e.H2)
}
