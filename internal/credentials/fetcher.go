package credentials

import (
	"context"

	"github.com/dvcrn/dify-proxy/internal/dify"
)

// KeySource supplies the Dify application API keys that the registry maps
// to model names.
type KeySource interface {
	Keys(ctx context.Context) ([]string, error)
}

// AppInfoFetcher resolves an application API key to its app metadata.
type AppInfoFetcher interface {
	AppInfo(ctx context.Context, apiKey, user string) (*dify.AppInfo, error)
}
