// Package keyedmutexd is a network mutual-exclusion daemon. Clients connect
// over a UNIX domain socket or TCP, send a 16-byte key and are granted
// exclusive ownership of that key until they release it or disconnect. Other
// clients presenting the same key wait, and are told when to try again.
//
// # Wire protocol
//
// The protocol is byte oriented and has no framing beyond the fixed key size:
//
//   - client → server: 16 key bytes, possibly split across several writes.
//   - server → client: 'O' once the client owns the key. Nothing is sent to a
//     client that has to wait.
//   - owner → server: 'R' releases the key. Any other byte, or closing the
//     connection, releases it too.
//   - server → waiter: 'R' when the key was released. The waiter must send its
//     key again to compete for ownership.
//
// A waiter that sends anything before it is told to retry is disconnected.
//
// # Running a server
//
// Config.Listen is either a filesystem path (UNIX socket, default
// /tmp/keyedmutexd.sock) or a TCP port number, which listens on every
// interface. Config.MaxConns fixes the number of connection slots (default
// 32). When every slot is taken the server stops accepting and new clients
// queue in the kernel backlog.
//
//	srv, stop, err := keyedmutexd.StartServer(ctx, keyedmutexd.Config{
//	    Listen:   "/run/keyedmutexd.sock",
//	    Force:    true,
//	    MaxConns: 128,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
//
// The socket file is removed on shutdown. Start refuses to bind over an
// existing path unless Config.Force is set.
//
// # Clients
//
// pkt.systems/keyedmutexd/client speaks the protocol from Go:
//
//	c, err := client.Dial(ctx, "/run/keyedmutexd.sock")
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	if err := c.Acquire(ctx, api.KeyFromName("reports/nightly")); err != nil {
//	    return err
//	}
//	defer c.Release()
//
// The keyedmutexd binary also ships `client exec` and `client hold`
// subcommands for shell scripts.
//
// # Testing
//
// StartTestServer runs a server on 127.0.0.1:0 for the duration of a test and
// hands back a connected client. WithTestChaos routes connections through a
// proxy that re-chunks, delays or cuts traffic.
//
// # Observability
//
// Each connection lifecycle event is logged through pslog with the event tag
// as message (connected, owner, notowner, release, notify, closed) and the
// key in hexadecimal. Config.MetricsListen exposes OpenTelemetry metrics in
// Prometheus format, Config.OTLPEndpoint exports traces of release fan-outs
// and Config.PprofListen serves net/http/pprof.
package keyedmutexd
