// Package client calls an rtnode over its wire protocol.
//
//	cli, err := client.New("127.0.0.1:7946")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//
//	p, err := cli.Invoke(ctx, client.Invocation{
//	    Type:      "ResourceContext",
//	    Method:    "create",
//	    Arguments: []any{"/players/*", map[string]any{"name": "ada"}},
//	}, 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	created, err := p.Sync(ctx)
//
// Calls that ask for async parts receive them on Pending.Async, which is
// closed once every part arrived, an async error ended the stream, or the
// connection failed. Each call holds one pooled connection until then.
//
// RemoteTarget plugs a client into a node's resolver so that the "remote"
// scope of a context kind forwards to a peer.
package client
