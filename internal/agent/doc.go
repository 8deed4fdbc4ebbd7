// Package agent is the conversational controller for active evidence
// sessions. It classifies free-text user input into a small set of
// intents with a low-temperature model call and dispatches each intent
// to a handler: step modifications and approach changes are
// acknowledged and signalled upstream, explanations reference the
// session's current in-progress step, and general questions are
// forwarded to the model with session context.
//
// Every exchange appends to the session transcript in strict arrival
// order: the user message first, then the corresponding response.
package agent
