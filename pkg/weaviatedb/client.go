package weaviatedb

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
)

// NewClient dials a weaviate instance and confirms it answers its readiness
// probe before anyone stores vectors through it. rawURL accepts either a
// full http(s) URL or a bare host:port.
func NewClient(ctx context.Context, rawURL string) (*weaviate.Client, error) {
	host, scheme := rawURL, "http"
	if strings.Contains(rawURL, "://") {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse weaviate url %q: %w", rawURL, err)
		}
		host, scheme = u.Host, u.Scheme
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   host,
		Scheme: scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}

	ready, err := client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check weaviate readiness: %w", err)
	}
	if !ready {
		return nil, fmt.Errorf("weaviate at %s is not ready", host)
	}
	return client, nil
}
