// Package planner produces one collection strategy per compliance check
// before execution starts.
//
// The planner retrieves similar past attempts from the memory store,
// folds them into a planning prompt, and asks the model router for a
// structured strategy at low temperature. Malformed model output never
// leaves a check unplanned: parsing failures fall back to a conservative
// manual strategy with a filename pattern derived from the check name.
package planner
