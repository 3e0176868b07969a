// Package pool provides the bounded transcription worker pool shared by
// all sessions in the process.
package pool
