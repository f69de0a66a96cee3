// Package mvcc implements Kudu's timestamp-ordered multi-version
// concurrency control: a hybrid logical clock, the in-flight-timestamp
// tracker, and snapshot visibility predicates (spec.md §4.7).
package mvcc

import (
	"sync"

	"go.uber.org/atomic"
)

// Timestamp is a 64-bit hybrid logical clock value: wall-clock milliseconds
// in the high bits, a logical counter in the low bits. Strictly increasing
// per Manager instance.
type Timestamp uint64

const logicalBits = 16
const logicalMask = (uint64(1) << logicalBits) - 1

// NoTimestamp is the zero value, never minted by Manager.StartOp.
const NoTimestamp Timestamp = 0

func newTimestamp(wallMillis uint64, logical uint64) Timestamp {
	return Timestamp((wallMillis << logicalBits) | (logical & logicalMask))
}

func (t Timestamp) Less(o Timestamp) bool { return t < o }

// WallMillis reports the wall-clock component of a timestamp.
func (t Timestamp) WallMillis() uint64 { return uint64(t) >> logicalBits }
