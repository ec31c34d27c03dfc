// Package logx provides ruleflow's structured logging on top of zerolog.
//
// The Service owns the configured sinks (console, JSON file) and can swap
// them at runtime via Apply; Loggers handed out by the Service stay live
// across reconfiguration. The zero Logger value is a safe no-op, which lets
// library code log unconditionally without nil checks.
package logx
