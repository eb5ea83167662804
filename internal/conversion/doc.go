// Package conversion defines the conversion record, its state machine,
// the TTS options captured at submission, and the in-memory task projection
// shown while a conversion runs.
package conversion
