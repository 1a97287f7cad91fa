package cluster

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/bhyvex/metis/internal/model"
)

// NodeMeta is the metadata storage nodes advertise through gossip.
type NodeMeta struct {
	ID             model.NodeID `json:"id"`
	Host           string       `json:"host"`
	Port           int          `json:"port"`
	MaxConnections int          `json:"max_connections"`
	Capacity       uint64       `json:"capacity"`
	Used           uint64       `json:"used"`
	Manager        bool         `json:"manager,omitempty"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Name     string
	BindAddr string
	BindPort int
	Seeds    []string
}

// GossipFeed joins the cluster membership and mirrors storage node joins,
// leaves and metadata updates into the directory.
type GossipFeed struct {
	directory  *Directory
	memberlist *memberlist.Memberlist
	meta       []byte
	logger     *zap.Logger
}

// NewGossipFeed creates the memberlist and joins the seeds
func NewGossipFeed(cfg GossipConfig, directory *Directory, logger *zap.Logger) (*GossipFeed, error) {
	meta, err := json.Marshal(NodeMeta{Manager: true})
	if err != nil {
		return nil, fmt.Errorf("failed to encode manager meta: %w", err)
	}

	feed := &GossipFeed{
		directory: directory,
		meta:      meta,
		logger:    logger,
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.Name
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.Delegate = feed
	mlConfig.Events = &gossipEvents{feed: feed}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	feed.memberlist = ml

	if len(cfg.Seeds) > 0 {
		if _, err := ml.Join(cfg.Seeds); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return feed, nil
}

// Members returns the number of live members
func (f *GossipFeed) Members() int {
	return f.memberlist.NumMembers()
}

// Shutdown leaves the cluster
func (f *GossipFeed) Shutdown() error {
	if err := f.memberlist.Leave(5 * time.Second); err != nil {
		f.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return f.memberlist.Shutdown()
}

// NodeMeta implements memberlist.Delegate
func (f *GossipFeed) NodeMeta(limit int) []byte {
	if len(f.meta) > limit {
		return f.meta[:limit]
	}
	return f.meta
}

// NotifyMsg implements memberlist.Delegate
func (f *GossipFeed) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (f *GossipFeed) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (f *GossipFeed) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (f *GossipFeed) MergeRemoteState(buf []byte, join bool) {}

// decodeMeta parses the metadata of a member. Members without storage
// metadata, including other managers, are ignored.
func decodeMeta(node *memberlist.Node) (NodeMeta, bool) {
	var meta NodeMeta
	if len(node.Meta) == 0 {
		return meta, false
	}
	if err := json.Unmarshal(node.Meta, &meta); err != nil || meta.Manager {
		return meta, false
	}
	if meta.ID == 0 {
		id, err := strconv.ParseUint(node.Name, 10, 32)
		if err != nil {
			return meta, false
		}
		meta.ID = model.NodeID(id)
	}
	if meta.Host == "" && node.Addr != nil {
		meta.Host = node.Addr.String()
	}
	return meta, true
}

func (f *GossipFeed) join(node *memberlist.Node) {
	meta, ok := decodeMeta(node)
	if !ok {
		return
	}
	f.directory.Upsert(model.StorageNode{
		ID:             meta.ID,
		Host:           meta.Host,
		Port:           meta.Port,
		MaxConnections: meta.MaxConnections,
		Capacity:       meta.Capacity,
		Used:           meta.Used,
		Status:         model.NodeStatusUp,
	})
	f.logger.Info("Storage node joined",
		zap.Uint32("node_id", uint32(meta.ID)),
		zap.String("member", node.Name))
}

func (f *GossipFeed) leave(node *memberlist.Node) {
	meta, ok := decodeMeta(node)
	if !ok {
		return
	}
	if _, err := f.directory.SetStatus(meta.ID, model.NodeStatusDown); err != nil {
		f.logger.Debug("Unknown storage node left",
			zap.Uint32("node_id", uint32(meta.ID)))
		return
	}
	f.logger.Info("Storage node left",
		zap.Uint32("node_id", uint32(meta.ID)),
		zap.String("member", node.Name))
}

func (f *GossipFeed) update(node *memberlist.Node) {
	meta, ok := decodeMeta(node)
	if !ok {
		return
	}
	if err := f.directory.UpdateCapacity(meta.ID, meta.Capacity, meta.Used); err != nil {
		f.join(node)
	}
}

// gossipEvents handles memberlist events
type gossipEvents struct {
	feed *GossipFeed
}

// NotifyJoin is called when a node joins
func (e *gossipEvents) NotifyJoin(node *memberlist.Node) { e.feed.join(node) }

// NotifyLeave is called when a node leaves
func (e *gossipEvents) NotifyLeave(node *memberlist.Node) { e.feed.leave(node) }

// NotifyUpdate is called when a node is updated
func (e *gossipEvents) NotifyUpdate(node *memberlist.Node) { e.feed.update(node) }
