// Package server runs Warden's HTTP listener.
//
// The server mounts the v1 API, the health endpoints and the Prometheus
// endpoint on one ServeMux and wraps it in the middleware chain from the
// middleware package, with tracing between recovery and logging:
//
//	Recovery -> Tracing -> Logging -> RequestID -> Timeout -> mux
//
// Start blocks until its context is cancelled or the listener fails, then
// shuts down gracefully within ServiceConfig.ShutdownTimeout.
//
//	srv := server.NewServer(&cfg.Service, server.Options{
//	    API:     apiHandler,
//	    Health:  checker,
//	    Metrics: collector.Handler(),
//	})
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server
