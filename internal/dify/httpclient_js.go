//go:build js && wasm

package dify

import "net/http"

// NewHTTPClient creates the upstream client for the Workers runtime, where
// net/http is backed by fetch and transport tuning does not apply.
func NewHTTPClient() *http.Client {
	return &http.Client{}
}
