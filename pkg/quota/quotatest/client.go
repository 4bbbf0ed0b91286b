// Package quotatest provides an in-memory quota.Client for tests.
package quotatest

import (
	"context"
	"sort"
	"sync"

	"github.com/treeverse/quotamgr/pkg/quota"
)

type usageKey struct {
	origin quota.Origin
	class  quota.StorageClass
}

// Entry is initial usage of a Client.
type Entry struct {
	Origin string
	Class  quota.StorageClass
	Usage  int64
}

// Client is a quota.Client holding usage in memory.  Calls can be held,
// made to fail, and counted.
type Client struct {
	mu         sync.Mutex
	usage      map[usageKey]int64
	gate       chan struct{}
	listErr    error
	usageErrs  map[quota.Origin]error
	listCalls  int
	usageCalls int
}

var _ quota.Client = (*Client)(nil)

// NewClient returns a Client holding entries.  It panics on a malformed
// origin.
func NewClient(entries ...Entry) *Client {
	c := &Client{
		usage:     make(map[usageKey]int64),
		usageErrs: make(map[quota.Origin]error),
	}
	for _, e := range entries {
		c.AddOrigin(quota.MustParseOrigin(e.Origin), e.Class, e.Usage)
	}
	return c
}

// AddOrigin sets the usage of origin for class.
func (c *Client) AddOrigin(origin quota.Origin, class quota.StorageClass, usage int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage[usageKey{origin, class}] = usage
}

// ModifyUsage adds delta to the usage of origin for class.
func (c *Client) ModifyUsage(origin quota.Origin, class quota.StorageClass, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage[usageKey{origin, class}] += delta
}

// FailOrigins makes listing origins fail with err, or succeed again if err
// is nil.
func (c *Client) FailOrigins(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listErr = err
}

// FailUsage makes reporting usage of origin fail with err.
func (c *Client) FailUsage(origin quota.Origin, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usageErrs[origin] = err
}

// Hold blocks every later call until Release, or until the call's context
// ends.
func (c *Client) Hold() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate == nil {
		c.gate = make(chan struct{})
	}
}

// Release unblocks calls held by Hold.
func (c *Client) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate != nil {
		close(c.gate)
		c.gate = nil
	}
}

// ListCalls returns the number of times origins were listed.
func (c *Client) ListCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listCalls
}

// UsageCalls returns the number of times usage was requested.
func (c *Client) UsageCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usageCalls
}

func (c *Client) wait(ctx context.Context) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Origins(ctx context.Context, class quota.StorageClass) ([]quota.Origin, error) {
	return c.origins(ctx, class, func(quota.Origin) bool { return true })
}

func (c *Client) origins(ctx context.Context, class quota.StorageClass, keep func(quota.Origin) bool) ([]quota.Origin, error) {
	c.mu.Lock()
	c.listCalls++
	c.mu.Unlock()
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	var ret []quota.Origin
	for k := range c.usage {
		if k.class == class && keep(k.origin) {
			ret = append(ret, k.origin)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].String() < ret[j].String() })
	return ret, nil
}

func (c *Client) OriginUsage(ctx context.Context, origin quota.Origin, class quota.StorageClass) (int64, error) {
	c.mu.Lock()
	c.usageCalls++
	c.mu.Unlock()
	if err := c.wait(ctx); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usageErrs[origin]; err != nil {
		return 0, err
	}
	return c.usage[usageKey{origin, class}], nil
}

// HostClient is a Client that also lists origins by host.
type HostClient struct {
	*Client
}

var _ quota.HostOriginLister = HostClient{}

// NewHostClient returns a HostClient holding entries.
func NewHostClient(entries ...Entry) HostClient {
	return HostClient{NewClient(entries...)}
}

func (c HostClient) OriginsForHost(ctx context.Context, class quota.StorageClass, host string) ([]quota.Origin, error) {
	return c.origins(ctx, class, func(o quota.Origin) bool { return o.Host == host })
}
