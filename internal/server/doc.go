// Package server hosts the Fiber HTTP service, request middleware chain, and
// hub registry glue that wires Host/port resolution into proxy handlers.
// It bootstraps Fiber, attaches request-id and recover middlewares, resolves
// each hub's cache policy profile when the HubRegistry is built from config,
// and leaves /-/ paths to the diagnostics routes registered by the routes
// subpackage. Keep exports narrow and accept explicit dependencies.
package server
