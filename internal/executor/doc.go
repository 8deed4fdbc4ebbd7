// Package executor drives evidence sessions through their step state
// machine.
//
// Steps within one session execute strictly sequentially; at any moment
// at most one step is in progress. Each step scans the strategy's
// sources in order and stops at the first source returning at least one
// file (first-match-wins). The winning file is validated and recorded as
// an evidence item; the attempt's outcome is written back to the agent
// memory store so future planning learns from it. Memory writes are best
// effort: a failed write never fails the step it records.
//
// A cancellation request stops the session before the next step
// transition; the in-flight step finishes normally, so no step is left
// orphaned in progress.
package executor
