// Package logging wraps zap with context-aware correlation for orchestd.
//
// Every log call takes a context.Context; task, worker, and trace
// correlation fields stored in the context are folded into each entry so
// one task's refinement loop can be followed across packages. Output goes
// to stdout, an OTLP log bridge, or both.
package logging
