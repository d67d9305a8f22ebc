package it

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"kvclient/internal/datastore"
	"kvclient/internal/metrics"
	"kvclient/internal/remote"
	"kvclient/internal/storage"
)

const bufSize = 1 << 20

// Cluster runs data store servers in process on bufconn listeners.
type Cluster struct {
	mu       sync.Mutex
	nodes    []*Node
	conns    *remote.ConnManager
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

// Node is one server. Its backend outlives restarts, so data written
// before KillNode is still there after RestartNode.
type Node struct {
	ID      string
	backend *storage.MemoryBackend

	mu         sync.Mutex
	lis        *bufconn.Listener
	grpcServer *grpc.Server
	health     *health.Server
}

// NewCluster creates an empty test cluster harness.
func NewCluster(logger *slog.Logger) (*Cluster, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	reg := prometheus.NewRegistry()
	m, err := metrics.NewRegistered(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	c := &Cluster{logger: logger, registry: reg, metrics: m}
	c.conns = remote.NewConnManager(
		grpc.WithContextDialer(c.dial),
		// Reconnect quickly so tests can restart a node inside one retry
		// budget.
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  20 * time.Millisecond,
				Multiplier: 1.2,
				MaxDelay:   100 * time.Millisecond,
			},
			MinConnectTimeout: time.Second,
		}),
	)
	return c, nil
}

// dial routes "passthrough:///<node id>" targets to that node's listener.
func (c *Cluster) dial(ctx context.Context, addr string) (net.Conn, error) {
	node := c.GetNode(addr)
	if node == nil {
		return nil, fmt.Errorf("node %s not found", addr)
	}
	node.mu.Lock()
	lis := node.lis
	node.mu.Unlock()
	if lis == nil {
		return nil, fmt.Errorf("node %s is down", addr)
	}
	return lis.DialContext(ctx)
}

// Metrics returns the collectors shared by every node and client.
func (c *Cluster) Metrics() *metrics.Metrics {
	return c.metrics
}

// Registry returns the registry the collectors are registered on.
func (c *Cluster) Registry() *prometheus.Registry {
	return c.registry
}

// StartNode starts a server with a fresh memory backend.
func (c *Cluster) StartNode(ctx context.Context, nodeID string, opts ...storage.MemoryOption) (*Node, error) {
	c.mu.Lock()
	for _, n := range c.nodes {
		if n.ID == nodeID {
			c.mu.Unlock()
			return nil, fmt.Errorf("node %s already exists", nodeID)
		}
	}
	node := &Node{ID: nodeID, backend: storage.NewMemoryBackend(opts...)}
	c.nodes = append(c.nodes, node)
	c.mu.Unlock()

	c.serve(node)
	if err := c.waitForReady(ctx, node, 5*time.Second); err != nil {
		node.Stop()
		return nil, fmt.Errorf("node %s failed to become ready: %w", nodeID, err)
	}
	return node, nil
}

func (c *Cluster) serve(node *Node) {
	srv := remote.NewServer(node.backend,
		remote.WithServerLogger(c.logger.With("node", node.ID)),
		remote.WithServerMetrics(c.metrics),
	)
	gs, hs := remote.NewGRPCServer(srv)
	lis := bufconn.Listen(bufSize)

	node.mu.Lock()
	node.lis = lis
	node.grpcServer = gs
	node.health = hs
	node.mu.Unlock()

	go func() {
		if err := gs.Serve(lis); err != nil {
			c.logger.Debug("serve returned", "node", node.ID, "error", err)
		}
	}()
}

// waitForReady polls the node's health service until it reports SERVING.
func (c *Cluster) waitForReady(ctx context.Context, node *Node, timeout time.Duration) error {
	conn, err := c.conns.Conn(node.Target())
	if err != nil {
		return err
	}
	client := healthpb.NewHealthClient(conn)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout waiting for node %s to be ready", node.ID)
			}

			healthCtx, cancel := context.WithTimeout(ctx, time.Second)
			resp, err := client.Check(healthCtx, &healthpb.HealthCheckRequest{Service: remote.ServiceName})
			cancel()

			if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
				return nil
			}
		}
	}
}

// Target returns the dial target of the node.
func (n *Node) Target() string {
	return "passthrough:///" + n.ID
}

// Backend returns the node's memory backend.
func (n *Node) Backend() *storage.MemoryBackend {
	return n.backend
}

// SetServing flips the health status reported for the DataStore service.
func (n *Node) SetServing(serving bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.health == nil {
		return
	}
	st := healthpb.HealthCheckResponse_SERVING
	if !serving {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	n.health.SetServingStatus(remote.ServiceName, st)
}

// Stop stops the node's server. Its backend keeps the data.
func (n *Node) Stop() {
	n.mu.Lock()
	gs := n.grpcServer
	n.grpcServer = nil
	n.lis = nil
	n.health = nil
	n.mu.Unlock()

	if gs != nil {
		gs.Stop()
	}
}

// GetNode returns a node by ID
func (c *Cluster) GetNode(nodeID string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.nodes {
		if n.ID == nodeID {
			return n
		}
	}
	return nil
}

// KillNode stops a specific node.
func (c *Cluster) KillNode(nodeID string) error {
	node := c.GetNode(nodeID)
	if node == nil {
		return fmt.Errorf("node %s not found", nodeID)
	}
	node.Stop()
	return nil
}

// RestartNode serves a stopped node again on a new listener.
func (c *Cluster) RestartNode(ctx context.Context, nodeID string) error {
	node := c.GetNode(nodeID)
	if node == nil {
		return fmt.Errorf("node %s not found", nodeID)
	}
	node.Stop()
	c.serve(node)

	if err := c.waitForReady(ctx, node, 5*time.Second); err != nil {
		return fmt.Errorf("node %s failed to become ready after restart: %w", nodeID, err)
	}
	return nil
}

// Backend returns a remote backend connected to the node.
func (c *Cluster) Backend(nodeID string) (*remote.Backend, error) {
	node := c.GetNode(nodeID)
	if node == nil {
		return nil, fmt.Errorf("node %s not found", nodeID)
	}
	return c.conns.Backend(node.Target(), remote.WithBackendLogger(c.logger))
}

// Client opens a data store client against the node.
func (c *Cluster) Client(ctx context.Context, nodeID string, h storage.Handle, opts ...datastore.Option) (*datastore.Client, error) {
	b, err := c.Backend(nodeID)
	if err != nil {
		return nil, err
	}
	opts = append([]datastore.Option{
		datastore.WithLogger(c.logger),
		datastore.WithMetrics(c.metrics),
	}, opts...)
	return datastore.New(ctx, b, h, opts...)
}

// Stop stops all nodes and closes client connections.
func (c *Cluster) Stop() {
	c.mu.Lock()
	nodes := c.nodes
	c.nodes = nil
	c.mu.Unlock()

	_ = c.conns.Close()
	for _, node := range nodes {
		node.Stop()
	}
}
