// Package pcm converts between normalized float32 samples, 16-bit
// little-endian PCM and the base64 text used on the wire. Every function is
// pure and safe for concurrent use.
package pcm
