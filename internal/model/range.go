package model

import (
	"fmt"
	"time"
)

// RangeID identifies a range. Identifiers are never reused.
type RangeID uint64

// LevelID is the monotonically assigned identifier of a level.
type LevelID uint32

// Level is one (level, sub-level) partition family. Levels are append-only.
type Level struct {
	ID        LevelID   `json:"id"`
	Level     uint32    `json:"level"`
	SubLevel  uint32    `json:"sub_level"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the lookup key of the level.
func (l Level) Key() LevelKey {
	return LevelKey{Level: l.Level, SubLevel: l.SubLevel}
}

// LevelKey identifies a level by its coordinates
type LevelKey struct {
	Level    uint32
	SubLevel uint32
}

func (k LevelKey) String() string {
	return fmt.Sprintf("%d.%d", k.Level, k.SubLevel)
}

// RangeState is the lifecycle state of a range
type RangeState string

const (
	RangeStateActive    RangeState = "ACTIVE"
	RangeStateRepairing RangeState = "REPAIRING"
	RangeStateRetired   RangeState = "RETIRED"
)

// ParseRangeState converts a persisted state string.
func ParseRangeState(s string) (RangeState, error) {
	switch RangeState(s) {
	case RangeStateActive, RangeStateRepairing, RangeStateRetired:
		return RangeState(s), nil
	default:
		return "", fmt.Errorf("unknown range state %q", s)
	}
}

// ReplicaRole distinguishes the primary copy of a range from the others
type ReplicaRole string

const (
	ReplicaRolePrimary   ReplicaRole = "primary"
	ReplicaRoleSecondary ReplicaRole = "secondary"
)

// Copy is one replica of a range.
type Copy struct {
	NodeID NodeID      `json:"node_id"`
	Role   ReplicaRole `json:"role"`
}

// PartitionKey addresses the partition an item falls into.
type PartitionKey struct {
	Level    uint32
	SubLevel uint32
	Index    uint64
}

func (k PartitionKey) String() string {
	return fmt.Sprintf("%d.%d/%d", k.Level, k.SubLevel, k.Index)
}

// Range is a contiguous partition of items replicated on a set of nodes.
type Range struct {
	ID           RangeID    `json:"id"`
	Level        uint32     `json:"level"`
	SubLevel     uint32     `json:"sub_level"`
	Index        uint64     `json:"index"`
	Copies       []Copy     `json:"copies"`
	TargetCopies int        `json:"target_copies"`
	Size         uint64     `json:"size"`
	State        RangeState `json:"state"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Partition returns the partition key of the range
func (r *Range) Partition() PartitionKey {
	return PartitionKey{Level: r.Level, SubLevel: r.SubLevel, Index: r.Index}
}

// NodeIDs returns the ids of the nodes holding a copy.
func (r *Range) NodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(r.Copies))
	for _, c := range r.Copies {
		ids = append(ids, c.NodeID)
	}
	return ids
}

// HasNode reports whether id holds a copy of the range.
func (r *Range) HasNode(id NodeID) bool {
	for _, c := range r.Copies {
		if c.NodeID == id {
			return true
		}
	}
	return false
}

// Primary returns the node holding the primary copy.
func (r *Range) Primary() (NodeID, bool) {
	for _, c := range r.Copies {
		if c.Role == ReplicaRolePrimary {
			return c.NodeID, true
		}
	}
	return 0, false
}

// Clone returns a deep copy safe to hand out of the index.
func (r *Range) Clone() *Range {
	if r == nil {
		return nil
	}
	c := *r
	c.Copies = append([]Copy(nil), r.Copies...)
	return &c
}
