// Package client speaks the keyedmutexd protocol from Go.
//
// A Client wraps one connection and can own at most one key at a time. Dial
// accepts the same addresses the server listens on:
//
//   - /path/to/keyedmutexd.sock or unix:///path/to/keyedmutexd.sock
//   - a bare port number (127.0.0.1:<port>)
//   - host:port or tcp://host:port
//
// Acquire blocks until the key is owned. While another client holds the key
// the server says nothing; when it is released the server tells every waiter
// to try again and Acquire resends the key transparently. Cancelling the
// context passed to Acquire closes the connection, which is how the protocol
// abandons a wait or drops ownership.
//
//	c, err := client.Dial(ctx, "/tmp/keyedmutexd.sock")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//	if err := c.Acquire(ctx, api.KeyFromName("deploy")); err != nil {
//	    log.Fatal(err)
//	}
//	// critical section
//	if err := c.Release(); err != nil {
//	    log.Fatal(err)
//	}
package client
