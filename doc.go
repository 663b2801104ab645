// Package rtnode exposes the Go APIs behind a resource runtime node: a
// transactional, journaled resource store addressed by path, a set of local
// contexts (resources, index, scheduler, tasks, events, handlers, manifest)
// and a framed wire protocol that lets clients and peer nodes invoke them.
// The binary in cmd/rtnode is designed to run cleanly as PID 1, but the
// package also makes it easy to embed a node in another program.
//
// # Running a server
//
// The server listens on `Config.Listen` (default ":7341") and keeps its
// journal, revision pool and resource files under `Config.DataDir`. Only
// one process may own a data directory at a time.
//
//	cfg := rtnode.Config{
//	    DataDir: "/var/lib/rtnode",
//	    Listen:  ":7341",
//	    Codec:   "proto",
//	}
//	srv, stop, err := rtnode.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// Pending transactions found in the journal are replayed before the
// listener opens, so a node that crashed mid-commit comes back with every
// validated transaction applied.
//
// # Peers
//
// Setting `Config.Peer` binds the "remote" scope of every context kind to
// another node. An invocation of ResourceContext/remote is forwarded over a
// pooled connection and answered as if it ran locally, async parts included.
//
// # Client SDK
//
// The Go client (`pkt.systems/rtnode/client`) speaks the same protocol:
//
//	cli, err := client.New("127.0.0.1:7341")
//	if err != nil { log.Fatal(err) }
//	defer cli.Close()
//	created, err := cli.Call(ctx, "ResourceContext", "create", "/users/*", map[string]any{"n": 0})
//
// # Named targets
//
// Embedders register their own targets next to the built-in contexts:
//
//	srv.Register("Greeter", "", rtnode.Methods{
//	    "hello": func(ctx context.Context, call *rtnode.Call) { call.Result("hi") },
//	})
//
// # Telemetry
//
// `Config.MetricsListen` serves Prometheus metrics, `Config.OTLPEndpoint`
// exports traces (grpc://, grpcs://, http:// or https://) and
// `Config.PprofListen` exposes the standard pprof handlers.
package rtnode
