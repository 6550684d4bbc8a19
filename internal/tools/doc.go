// Package tools provides host process helpers shared by the shell and
// command factories.
//
// Ownership boundary:
// - local process execution with streamed stdio
//
// - exit status extraction
package tools
