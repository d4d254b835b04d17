// Package protocol owns the TCF message model shared by the framing codec
// and the channel engine.
//
// Ownership boundary:
// - message variants and their type tags
// - per-variant field validation
// - JSON sequence argument helpers
package protocol
