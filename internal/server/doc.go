// Package server hosts the Fiber HTTP service: the middleware chain (panic
// recovery, request ids, CORS), the JSON error envelope, and the reserved
// /-/ diagnostics endpoints. Everything else is handed to a single Handler
// supplied by the caller, so the gateway pipeline stays independent of Fiber
// bootstrapping and keeps exports narrow.
package server
