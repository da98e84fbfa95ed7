package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// LiveNodeProvider supplies the current set of node identifiers known to be
// part of the cluster. The snapshot is read-only shared state; trigger scans
// never mutate it.
type LiveNodeProvider interface {
	LiveNodes(ctx context.Context) (map[string]struct{}, error)
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// GossipMembership implements LiveNodeProvider on hashicorp/memberlist.
type GossipMembership struct {
	memberlist *memberlist.Memberlist
	nodeID     string
	logger     *zap.Logger
}

// NewGossipMembership joins the cluster gossip mesh and exposes its live
// member set.
func NewGossipMembership(cfg *GossipConfig, nodeID string, logger *zap.Logger) (*GossipMembership, error) {
	gm := &GossipMembership{
		nodeID: nodeID,
		logger: logger,
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Events = &membershipEventLogger{logger: logger}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}

	gm.memberlist = ml

	// Join seed nodes
	if len(cfg.SeedNodes) > 0 {
		_, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return gm, nil
}

// LiveNodes returns the current live member set
func (g *GossipMembership) LiveNodes(ctx context.Context) (map[string]struct{}, error) {
	members := g.memberlist.Members()
	nodes := make(map[string]struct{}, len(members))
	for _, m := range members {
		nodes[m.Name] = struct{}{}
	}
	return nodes, nil
}

// Shutdown leaves the gossip mesh
func (g *GossipMembership) Shutdown() error {
	return g.memberlist.Shutdown()
}

// StaticMembership is a fixed-list LiveNodeProvider for single-node and
// development deployments without a gossip mesh.
type StaticMembership struct {
	nodes map[string]struct{}
}

// NewStaticMembership creates a provider over a fixed node list
func NewStaticMembership(nodes []string) *StaticMembership {
	set := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		set[n] = struct{}{}
	}
	return &StaticMembership{nodes: set}
}

// LiveNodes returns the configured node set
func (s *StaticMembership) LiveNodes(ctx context.Context) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(s.nodes))
	for n := range s.nodes {
		out[n] = struct{}{}
	}
	return out, nil
}

// membershipEventLogger logs memberlist events
type membershipEventLogger struct {
	logger *zap.Logger
}

// NotifyJoin is called when a node joins
func (d *membershipEventLogger) NotifyJoin(node *memberlist.Node) {
	d.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
}

// NotifyLeave is called when a node leaves
func (d *membershipEventLogger) NotifyLeave(node *memberlist.Node) {
	d.logger.Info("Node left",
		zap.String("node_id", node.Name))
}

// NotifyUpdate is called when a node is updated
func (d *membershipEventLogger) NotifyUpdate(node *memberlist.Node) {
	d.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
}
