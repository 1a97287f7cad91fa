package placement

import (
	"time"

	"github.com/google/uuid"

	"github.com/bhyvex/metis/internal/model"
)

// Kind tells what a reservation was taken for
type Kind string

const (
	KindPut  Kind = "put"
	KindCopy Kind = "copy"
)

// Reservation holds one connection slot on each of its nodes until it is
// confirmed, rolled back or expires.
type Reservation struct {
	ID        uuid.UUID           `json:"id"`
	RangeID   model.RangeID       `json:"range_id"`
	Kind      Kind                `json:"kind"`
	Size      uint64              `json:"size"`
	Nodes     []model.StorageNode `json:"nodes"`
	CreatedAt time.Time           `json:"created_at"`
}

// NodeIDs returns the ids of the reserved nodes
func (r *Reservation) NodeIDs() []model.NodeID {
	ids := make([]model.NodeID, 0, len(r.Nodes))
	for _, n := range r.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

func (r *Reservation) clone() *Reservation {
	c := *r
	c.Nodes = append([]model.StorageNode(nil), r.Nodes...)
	return &c
}
