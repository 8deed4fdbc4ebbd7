// Package logging provides structured logging for evidenced built on Zap.
//
// The Logger wraps zap.Logger with context-aware methods that automatically
// attach correlation fields (session id, request id) carried in the
// context.Context. Components receive a *Logger via constructor injection and
// derive child loggers with Named/With.
package logging
