package util

import (
	"github.com/google/uuid"
)

// UUIDGenerator matches the signature of the uuid library's generation
// functions. It is used to make UUID generation injectable in unit
// tests, and to make sure every call site generates a fresh UUID
// rather than memoizing one (the cache this is ported from computed a
// UUID once at function-definition time as a Python default argument;
// this type exists so that bug cannot recur in Go).
type UUIDGenerator func() (uuid.UUID, error)

var _ UUIDGenerator = uuid.NewRandom
