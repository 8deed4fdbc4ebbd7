// Package compliance holds the shared domain model for evidence collection:
// compliance checks, collection strategies, evidence sessions with their
// progress steps and conversation transcript, and collected evidence items.
//
// Checks are created externally (import/sync) and are read-only to this
// system. Sessions are the aggregate root for one end-to-end collection run;
// their progress steps hold only their latest state (no transition history).
package compliance
