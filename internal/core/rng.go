package core

import "math/rand"

// Stream identifiers for derived random sources. Each consumer gets its own stream so that
// adding draws in one component never shifts the sequence seen by another.
const (
	StreamData int64 = iota + 1
	StreamClassOrder
	StreamStudent
	StreamTeacher
	StreamLoader
	StreamTeacherLoader
)

// NewRNG - deterministic source derived from a run seed and a stream id
func NewRNG(seed, stream int64) *rand.Rand {
	return rand.New(rand.NewSource(seed*1_000_003 + stream*7919))
}
