package model

import "fmt"

// NodeRole is the cluster role of a node, static for the process lifetime.
type NodeRole string

const (
	// NodeRoleHub accepts reading pushes from spokes and serves the merged state.
	NodeRoleHub NodeRole = "hub"
	// NodeRoleSpoke pushes its local readings to a hub after every cycle.
	NodeRoleSpoke NodeRole = "spoke"
)

// ClusterConfig describes this node's place in the hub/spoke topology.
type ClusterConfig struct {
	Role   NodeRole
	NodeID string
	// HubURL is the hub's push endpoint, required for spokes.
	HubURL string
	// Peers maps node IDs to base URLs, used by hubs to forward actuator
	// control requests to the node that owns the hardware.
	Peers map[string]string
}

// Validate validates the cluster configuration.
func (c *ClusterConfig) Validate() error {
	switch c.Role {
	case NodeRoleHub, NodeRoleSpoke:
	default:
		return fmt.Errorf("cluster role %q is unknown: %w", c.Role, ErrNotValid)
	}

	if c.NodeID == "" {
		return fmt.Errorf("cluster node id is required: %w", ErrNotValid)
	}

	if c.Role == NodeRoleSpoke && c.HubURL == "" {
		return fmt.Errorf("spoke nodes require a hub url: %w", ErrNotValid)
	}

	return nil
}
