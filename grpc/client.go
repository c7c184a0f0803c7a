package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/clusterd/statepub/cfg"
	"github.com/clusterd/statepub/cluster"
	"github.com/clusterd/statepub/hlc"
	"github.com/clusterd/statepub/publication"
)

// Client maintains one multiplexed gRPC connection per peer and implements
// the publication transport on top of them. Sends are asynchronous and carry
// no deadline of their own: a publication round is abandoned by the
// coordinator's context, not by per-destination timers.
type Client struct {
	localNode *cluster.Node
	clock     *hlc.Clock
	conns     *xsync.MapOf[uint64, *grpc.ClientConn]
}

// Ensure Client implements the publication transport
var _ publication.Transport = (*Client)(nil)

// NewClient creates a new publication transport client.
func NewClient(localNode *cluster.Node, clock *hlc.Clock) *Client {
	return &Client{
		localNode: localNode,
		clock:     clock,
		conns:     xsync.NewMapOf[uint64, *grpc.ClientConn](),
	}
}

// createDialOptions returns common gRPC dial options
func createDialOptions() []grpc.DialOption {
	keepaliveTime := 10 * time.Second
	keepaliveTimeout := 3 * time.Second
	if cfg.Config != nil {
		keepaliveTime = time.Duration(cfg.Config.GRPCClient.KeepaliveTimeSeconds) * time.Second
		keepaliveTimeout = time.Duration(cfg.Config.GRPCClient.KeepaliveTimeoutSeconds) * time.Second
	}

	callOpts := []grpc.CallOption{
		grpc.CallContentSubtype(CodecName),
		grpc.MaxCallRecvMsgSize(100 * 1024 * 1024), // 100MB
		grpc.MaxCallSendMsgSize(100 * 1024 * 1024),
	}
	if name := GetCompressionName(); name != "" {
		callOpts = append(callOpts, grpc.UseCompressor(name))
	}

	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(callOpts...),
	}
}

// conn returns the connection for the destination, dialing it on first use.
// grpc.NewClient connects lazily, so this never blocks on the network.
func (c *Client) conn(destination *cluster.Node) (*grpc.ClientConn, error) {
	if conn, ok := c.conns.Load(destination.ID); ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(destination.Address, createDialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", destination, err)
	}

	actual, loaded := c.conns.LoadOrStore(destination.ID, conn)
	if loaded {
		// Lost the race; keep the stored one.
		_ = conn.Close()
		return actual, nil
	}

	log.Debug().
		Uint64("node_id", destination.ID).
		Str("address", destination.Address).
		Msg("Created publication client connection")
	return conn, nil
}

// Disconnect drops the cached connection for a departed node.
func (c *Client) Disconnect(nodeID uint64) {
	if conn, ok := c.conns.LoadAndDelete(nodeID); ok {
		_ = conn.Close()
		log.Debug().Uint64("node_id", nodeID).Msg("Closed publication client connection")
	}
}

// SendPublish delivers one serialized payload and reports the outcome on the
// listener from a background goroutine.
func (c *Client) SendPublish(ctx context.Context, destination *cluster.Node, payload []byte, listener publication.PublishResponseListener) {
	conn, err := c.conn(destination)
	if err != nil {
		listener.OnFailure(err)
		return
	}

	req := &PublishStateRequest{
		SourceNodeID: c.localNode.ID,
		Timestamp:    c.clock.Now(),
		Payload:      payload,
	}

	go func() {
		resp := new(PublishStateResponse)
		if err := conn.Invoke(ctx, methodPublishState, req, resp); err != nil {
			listener.OnFailure(fromStatusError(err))
			return
		}

		c.clock.Update(resp.Timestamp)
		out := &publication.PublishWithJoinResponse{
			Response: publication.PublishResponse{Term: resp.Term, Version: resp.Version},
		}
		if resp.Join != nil {
			out.Join = &publication.Join{NodeID: resp.Join.NodeID, Term: resp.Join.Term}
		}
		listener.OnResponse(out)
	}()
}

// SendCommit delivers the commit marker for a published version.
func (c *Client) SendCommit(ctx context.Context, destination *cluster.Node, req *publication.ApplyCommitRequest, listener publication.CommitResponseListener) {
	conn, err := c.conn(destination)
	if err != nil {
		listener.OnFailure(err)
		return
	}

	wireReq := &CommitStateRequest{
		SourceNodeID: c.localNode.ID,
		Timestamp:    c.clock.Now(),
		Term:         req.Term,
		Version:      req.Version,
	}

	go func() {
		resp := new(CommitStateResponse)
		if err := conn.Invoke(ctx, methodCommitState, wireReq, resp); err != nil {
			listener.OnFailure(fromStatusError(err))
			return
		}
		c.clock.Update(resp.Timestamp)
		listener.OnResponse()
	}()
}

// Close tears down every cached connection.
func (c *Client) Close() {
	c.conns.Range(func(nodeID uint64, conn *grpc.ClientConn) bool {
		_ = conn.Close()
		c.conns.Delete(nodeID)
		return true
	})
}
