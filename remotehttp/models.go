// Package remotehttp speaks the sync document API over HTTP+JSON with JWT
// bearer auth. Client implements the remote-store contract for devices that
// reach the document store through a sync service; Handler is the matching
// server side, fronting any other remote-store implementation.
package remotehttp

// Document is the wire form of one remote document.
type Document struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

// QueryResponse is returned by collection reads.
type QueryResponse struct {
	Documents []Document `json:"documents"`
}

// BatchOperation is one write inside an atomic batch.
type BatchOperation struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Data       map[string]any `json:"data"`
}

// BatchRequest carries up to the batch limit of operations, applied
// atomically by the server.
type BatchRequest struct {
	Operations []BatchOperation `json:"operations"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
