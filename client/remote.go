package client

import (
	"context"

	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/invoke"
)

// RemoteTarget forwards calls to a peer node. Bound as the remote scope of
// a context kind, it rewrites the scope to the peer's local binding.
type RemoteTarget struct {
	client *Client
}

// NewRemoteTarget returns a target forwarding through c.
func NewRemoteTarget(c *Client) *RemoteTarget {
	return &RemoteTarget{client: c}
}

// Invoke answers the sync slot with the peer's sync answer and relays the
// peer's async parts as they arrive.
func (t *RemoteTarget) Invoke(ctx context.Context, call *invoke.Call) {
	inv := call.Invocation
	if _, ok := invoke.ParseKind(inv.Type); ok {
		inv.Name = invoke.Local.String()
	}
	p, err := t.client.Invoke(ctx, inv, call.Parts())
	if err != nil {
		call.Fail(err)
		return
	}
	v, err := p.Sync(ctx)
	if err != nil {
		call.Fail(err)
		if ctx.Err() != nil {
			return
		}
	} else {
		call.Result(v)
	}
	if call.Parts() == 0 {
		return
	}
	go func() {
		for a := range p.Async() {
			if a.Err != nil {
				call.AsyncFail(a.Err)
				continue
			}
			call.AsyncResult(a.Part, a.Value)
		}
		// Parts the peer never answered.
		if call.NextPart() != 0 {
			call.AsyncFail(invoke.ErrorFrom(errPeerEnded))
		}
	}()
}

var errPeerEnded = fault.New(fault.Protocol, "peer_stream_ended", "peer closed the async stream early")
