// Package bootstrap provides application initialization and lifecycle management.
// It wires configuration, state stores, integrations and services into an App
// that the serve command runs, and exposes the individual Init* steps so the
// offline CLI commands can open only what they need.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx, "config.yaml", false)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown()
//
//	app.Start()
//
//	// Wait for shutdown signal
//	if err := app.WaitForShutdown(ctx); err != nil {
//	    log.Print(err)
//	}
package bootstrap
