// Package httputil provides shared HTTP response/request utilities for handlers.
//
// Every handler file should use these helpers instead of writing raw
// http.ResponseWriter calls, so all endpoints share one JSON envelope
// and one error shape.
package httputil
