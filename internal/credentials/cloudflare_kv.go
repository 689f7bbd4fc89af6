//go:build js && wasm

package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/syumai/workers/cloudflare/kv"
)

const (
	kvNamespace = "dify_proxy_kv"
	kvKeysEntry = "dify_api_keys"
)

// CloudflareKVKeySource reads the Dify application keys from Cloudflare KV.
// The entry holds either a JSON array or a comma separated list.
type CloudflareKVKeySource struct {
	kvStore *kv.Namespace
}

// NewCloudflareKVKeySource binds to the namespace configured in wrangler.toml.
func NewCloudflareKVKeySource() (*CloudflareKVKeySource, error) {
	kvStore, err := kv.NewNamespace(kvNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize KV namespace: %w", err)
	}
	return &CloudflareKVKeySource{kvStore: kvStore}, nil
}

// Keys is re-read on every registry refresh so keys can be rotated without
// redeploying the worker.
func (c *CloudflareKVKeySource) Keys(context.Context) ([]string, error) {
	raw, err := c.kvStore.GetString(kvKeysEntry, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get keys from KV: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("no keys found in KV entry %q", kvKeysEntry)
	}

	if strings.HasPrefix(raw, "[") {
		var keys []string
		if err := json.Unmarshal([]byte(raw), &keys); err != nil {
			return nil, fmt.Errorf("failed to parse keys JSON: %w", err)
		}
		return dedupe(keys), nil
	}
	return ParseKeyList(raw), nil
}
