// Package wire implements the gateway wire envelope: a JSON frame carrying
// an opcode, an opaque data payload, and (on dispatch frames) a sequence
// number and event name. It also classifies server close codes.
package wire
