// Package bpf provides the time-boxed wait-and-observe step of a diagnosis.
//
// LoadCounter loads a minimal program that counts its invocations into a
// single slot array map. Counter.Watch attaches it as a uprobe on a symbol or
// raw offset of a binary, waits for a bounded window and reports how often the
// probe fired. Zero hits on a probe that attached means the traced code path
// didn't execute during the window.
//
// This package is intended as an interface to kernelspace, without containing
// diagnosis logic.
package bpf
