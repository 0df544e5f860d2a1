// Package server assembles the broker process: logger, metrics, durable
// snapshot store, broker, websocket endpoint and REST surface, all behind one
// gin router.
//
// Example Usage:
//
//	srv, err := server.New(cfg)
//	if err != nil {
//		return err
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//	return srv.Run(ctx)
package server
