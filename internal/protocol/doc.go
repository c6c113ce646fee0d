// Package protocol groups the inner control-protocol wire contract.
//
// Ownership boundary:
// - frame: line codec and tokenizer
// - commands: command and status vocabulary
// - schema: JSON payload documents and validation
// - session: request correlation, connection defaults and transport security
package protocol
