// Package server assembles the hostcap daemon.
//
// The server owns every long-lived component:
//   - capability services for the host platform, or the simulation
//   - the WebSocket capability bridge
//   - the named-resource ledger and its orphan sweep
//   - the HTTP surface: health, Prometheus metrics, shared-memory dump
//
// Server Lifecycle:
//  1. Initialize capability services for the configured platform
//  2. Open the ledger and sweep objects orphaned by dead processes
//  3. Mount routes and middleware on the gin router
//  4. Serve on a connection-capped listener
//  5. Drain on Shutdown, then close services and ledger
//
// Example Usage:
//
//	cfg := config.LoadOrDefault(path)
//	srv, err := server.New(cfg, log)
//	if err != nil {
//	    log.Fatal("daemon setup failed", zap.Error(err))
//	}
//	go srv.Run()
//	...
//	srv.Shutdown(ctx)
package server
