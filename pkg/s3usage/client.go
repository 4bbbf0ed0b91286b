package s3usage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/treeverse/quotamgr/pkg/quota"
	"github.com/treeverse/quotamgr/pkg/store"
)

const usageKeyPrefix = "usage/"

// UsageKey is the store key counting bytes of origin in class.
func UsageKey(class quota.StorageClass, origin quota.Origin) string {
	return classPrefix(class) + origin.String()
}

func classPrefix(class quota.StorageClass) string {
	return usageKeyPrefix + class.String() + "/"
}

// Client reports usage tallied on a store.Store by UpdateStore.
type Client struct {
	store store.Store
}

var _ quota.Client = (*Client)(nil)

func NewClient(s store.Store) *Client {
	return &Client{store: s}
}

func (c *Client) Origins(ctx context.Context, class quota.StorageClass) ([]quota.Origin, error) {
	prefix := classPrefix(class)
	records, err := c.store.Scan(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s origins: %w", class, err)
	}
	origins := make([]quota.Origin, 0, len(records))
	for _, r := range records {
		o, err := quota.ParseOrigin(strings.TrimPrefix(r.Key, prefix))
		if err != nil {
			// Not written by UpdateStore.
			continue
		}
		origins = append(origins, o)
	}
	return origins, nil
}

func (c *Client) OriginUsage(ctx context.Context, origin quota.Origin, class quota.StorageClass) (int64, error) {
	v, err := c.store.Get(ctx, UsageKey(class, origin))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v.SizeBytes, nil
}
