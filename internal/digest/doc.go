// Package digest adapts a block-oriented SHA-256 engine to byte ranges in
// storage. The Adapter drives the engine through Init, Update, Finish and
// Free in chunks of the engine's block size, staging each chunk in a fixed
// buffer.
package digest
