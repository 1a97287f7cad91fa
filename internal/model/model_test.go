package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageNode_FreeBytes(t *testing.T) {
	tests := []struct {
		name     string
		node     StorageNode
		expected uint64
	}{
		{"empty node", StorageNode{Capacity: 100}, 100},
		{"partially used", StorageNode{Capacity: 100, Used: 40}, 60},
		{"over-full", StorageNode{Capacity: 100, Used: 140}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.node.FreeBytes())
		})
	}
}

func TestStorageNode_Addr(t *testing.T) {
	n := StorageNode{Host: "10.0.0.1", Port: 9000}
	assert.Equal(t, "10.0.0.1:9000", n.Addr())
}

func TestRange_CloneIsIndependent(t *testing.T) {
	r := &Range{ID: 1, Copies: []Copy{{NodeID: 1, Role: ReplicaRolePrimary}}}
	c := r.Clone()
	c.Copies[0].NodeID = 9
	c.Copies = append(c.Copies, Copy{NodeID: 2})

	assert.Equal(t, NodeID(1), r.Copies[0].NodeID)
	assert.Len(t, r.Copies, 1)
	assert.Nil(t, (*Range)(nil).Clone())
}

func TestRange_Helpers(t *testing.T) {
	r := &Range{Copies: []Copy{
		{NodeID: 3, Role: ReplicaRoleSecondary},
		{NodeID: 5, Role: ReplicaRolePrimary},
	}}

	assert.Equal(t, []NodeID{3, 5}, r.NodeIDs())
	assert.True(t, r.HasNode(5))
	assert.False(t, r.HasNode(4))

	p, ok := r.Primary()
	require.True(t, ok)
	assert.Equal(t, NodeID(5), p)
}

func TestParseStates(t *testing.T) {
	s, err := ParseRangeState("REPAIRING")
	require.NoError(t, err)
	assert.Equal(t, RangeStateRepairing, s)

	_, err = ParseRangeState("bogus")
	assert.Error(t, err)

	ns, err := ParseNodeStatus("degraded")
	require.NoError(t, err)
	assert.Equal(t, NodeStatusDegraded, ns)

	_, err = ParseNodeStatus("")
	assert.Error(t, err)
}
