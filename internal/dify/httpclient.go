//go:build !js || !wasm

package dify

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient creates the upstream client for regular environments.
// Generations can run for minutes, so there is no overall timeout; only
// connection setup is bounded. Compression is disabled so streamed events
// are not held back by a decompressor.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConnsPerHost: 16,
			DisableCompression:  true,
		},
	}
}
