// Package blockstore implements the tablet server's block storage layer
// (spec.md §1/§6): content-addressed blobs, each identified by a block id
// minted at creation rather than a caller-supplied key. CFiles, bloom
// filters, ad-hoc indexes and delta files are all opaque blocks from this
// package's point of view; the CFile format (package cfile) gives their
// bytes meaning.
//
// The interface shape below is adapted from this module's key-value
// abstraction (Has/Getter/Putter/Deleter, RoDB/RwDB-style lifecycle): a
// Manager is a Has+Getter+Deleter keyed by BlockID instead of an arbitrary
// table/key pair, with Create returning a Writer in place of a Putter,
// since a block store has exactly one "table" and never overwrites a
// written block in place.
package blockstore

import (
	"fmt"

	"github.com/google/uuid"
)

// BlockID identifies one immutable block. IDs are minted by the manager at
// creation, never chosen by the caller.
type BlockID string

func newBlockID() BlockID { return BlockID(uuid.NewString()) }

func (id BlockID) String() string { return string(id) }

// Has reports block existence without reading its contents.
type Has interface {
	Has(id BlockID) (bool, error)
}

// Getter reads a sealed block's full contents.
type Getter interface {
	Has
	Get(id BlockID) ([]byte, error)
}

// Writer accumulates bytes for a new block. Finish seals it and mints its
// BlockID; a writer that is never finished leaves no trace (spec.md's
// block-creation transaction is atomic: either Finish succeeds and the
// block becomes visible to Get/Has, or it doesn't exist at all).
type Writer interface {
	Write(p []byte) (int, error)
	Finish() (BlockID, error)
	// Abandon discards a partially written block without sealing it.
	Abandon() error
}

// Deleter removes a sealed block. Deletion is the WAL/ancient-history-GC
// and compaction-cleanup path's terminal step (spec.md §4.9/§4.6).
type Deleter interface {
	Delete(id BlockID) error
}

// Manager is the full capability set a tablet's components depend on.
type Manager interface {
	Getter
	Deleter
	Create() (Writer, error)
	Close() error
}

// ErrNotFound is returned by Get/Delete for an unknown BlockID.
var ErrNotFound = fmt.Errorf("blockstore: block not found")
