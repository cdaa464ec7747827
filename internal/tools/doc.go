// Package tools provides host command helpers shared by the media engine
// and diagnostics.
//
// Ownership boundary:
// - one-shot command execution with captured output
// - long-running child processes with signal and kill control
package tools
