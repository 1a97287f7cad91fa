package model

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// NodeID identifies a storage node in the cluster.
type NodeID uint32

// NodeStatus represents the health of a storage node as seen by the manager
type NodeStatus string

const (
	NodeStatusUp       NodeStatus = "up"
	NodeStatusDegraded NodeStatus = "degraded"
	NodeStatusDown     NodeStatus = "down"
)

// ParseNodeStatus converts a string into a NodeStatus.
func ParseNodeStatus(s string) (NodeStatus, error) {
	switch NodeStatus(s) {
	case NodeStatusUp, NodeStatusDegraded, NodeStatusDown:
		return NodeStatus(s), nil
	default:
		return "", fmt.Errorf("unknown node status %q", s)
	}
}

// StorageNode describes a storage node registered with the manager.
// Values handed out by the cluster directory are copies; mutating them has no
// effect on the registry.
type StorageNode struct {
	ID              NodeID     `json:"id"`
	Host            string     `json:"host"`
	Port            int        `json:"port"`
	MaxConnections  int        `json:"max_connections"`
	OpenConnections int        `json:"open_connections"`
	Capacity        uint64     `json:"capacity"`
	Used            uint64     `json:"used"`
	Status          NodeStatus `json:"status"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Addr returns host:port of the node.
func (n StorageNode) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// FreeBytes returns the remaining capacity, zero when the node is over-full.
func (n StorageNode) FreeBytes() uint64 {
	if n.Used >= n.Capacity {
		return 0
	}
	return n.Capacity - n.Used
}

// IsUp reports whether the node accepts new placements
func (n StorageNode) IsUp() bool {
	return n.Status == NodeStatusUp
}

// ClusterSnapshot is an immutable view of the directory taken for a single
// placement decision.
type ClusterSnapshot struct {
	Nodes   []StorageNode
	TakenAt time.Time
}

// Node returns the snapshot entry for id.
func (s ClusterSnapshot) Node(id NodeID) (StorageNode, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return StorageNode{}, false
}

// ManagerAddresses holds the listen addresses of one manager instance as
// stored in the bootstrap database.
type ManagerAddresses struct {
	CmdIP      string
	CmdPort    int
	WebDavIP   string
	WebDavPort int
	WebIP      string
	WebPort    int
}

// CmdAddr returns the command protocol listen address
func (a ManagerAddresses) CmdAddr() string {
	return net.JoinHostPort(a.CmdIP, strconv.Itoa(a.CmdPort))
}

// WebAddr returns the web listen address
func (a ManagerAddresses) WebAddr() string {
	return net.JoinHostPort(a.WebIP, strconv.Itoa(a.WebPort))
}

// WebDavAddr returns the WebDAV listen address
func (a ManagerAddresses) WebDavAddr() string {
	return net.JoinHostPort(a.WebDavIP, strconv.Itoa(a.WebDavPort))
}
