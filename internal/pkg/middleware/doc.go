// Package middleware provides HTTP middleware components for the qrelscope server.
//
// Available middleware:
//   - RequestID: Assigns every request an ID and stores it in the context
//   - Recover: Converts handler panics into internal error responses
//   - Logging: Access log of method, path, status and duration
//
// Usage:
//
//	handler = middleware.Logging(log)(handler)
//	handler = middleware.Recover(log)(handler)
//	handler = middleware.RequestID(handler)
package middleware
