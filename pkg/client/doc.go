// Package client is a typed HTTP client for the hub API. It wraps the JSON
// surface in Go types so CLI tools and tests never hand-build requests.
// Non-2xx responses come back as *APIError carrying the hub's error message
// and, for server faults, the correlation id to grep the hub logs with.
package client
