// Package httputil provides shared HTTP response/request utilities for handlers.
//
// Control-API handlers and the stub tenant server use these helpers instead
// of writing raw http.ResponseWriter calls, so every endpoint shares the
// same JSON formatting and error envelope.
package httputil
