// Package logx is asyncproc's structured logging: a zerolog wrapper with
// field helpers, plus a Service whose sinks (console, JSON file) can be
// swapped on config reload without invalidating loggers handed out earlier.
package logx
