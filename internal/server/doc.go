// Package server wires the upload admission API into an http.Server
// with request-ID propagation, structured request logging, metrics,
// edge rate limiting, and hardening headers.
package server
