// Package graph holds the target-side view of synchronized entities.
package graph

import (
	"context"
	"errors"
	"time"

	"github.com/prudhvinik1/graphsync/internal/models"
)

var ErrRecordNotFound = errors.New("graph record not found")

// Record is one node or edge in the graph store. Data carries both the
// source-owned and the graph-owned fields.
type Record struct {
	Ref       models.EntityRef
	Version   int64
	Deleted   bool
	Data      map[string]any
	UpdatedAt time.Time
}

// Clone returns a deep enough copy for callers to mutate Data freely.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Data = make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		out.Data[k] = v
	}
	return &out
}

// Live reports whether the record exists and is not tombstoned.
func (r *Record) Live() bool {
	return r != nil && !r.Deleted
}

type Store interface {
	// Get returns ErrRecordNotFound when nothing is stored for ref. Tombstones
	// are returned with Deleted set.
	Get(ctx context.Context, ref models.EntityRef) (*Record, error)
	// Put replaces the whole record.
	Put(ctx context.Context, record *Record) error
	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, ref models.EntityRef) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
