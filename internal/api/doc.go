// Package api exposes the gateway over HTTP: job submission and status,
// session websockets with attach/detach, and the health probe. Handlers
// translate HTTP concerns to service calls and map errors to status codes
// without leaking internals.
package api
