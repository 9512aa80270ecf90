// Package server provides the HTTP server exposing the metrics registry.
//
// Available endpoints:
//   - /           : Status page listing every enabled provider account
//   - /metrics    : Prometheus metrics endpoint
//   - /health     : Liveness probe (always returns 200)
//   - /ready      : Readiness probe (returns 200 once the first poll has landed)
//
// Routes are served by a chi router and accept GET only. The server is configured
// with fixed timeouts:
//   - Read header timeout: 5 seconds
//   - Read timeout: 15 seconds
//   - Write timeout: 15 seconds
//   - Idle timeout: 60 seconds
//
// Example usage:
//
//	srv := server.NewServer(cfg, registry, log)
//
//	serverErrors := make(chan error, 1)
//	go func() {
//		serverErrors <- srv.Start()
//	}()
//
//	// on shutdown
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	if err := srv.Shutdown(ctx); err != nil {
//		log.Error("Error during shutdown", "error", err)
//	}
package server
