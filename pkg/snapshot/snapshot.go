// Package snapshot provides a quota.Client reporting usage read from a YAML
// file, for storage that is measured out of band.
//
// A snapshot looks like:
//
//	origins:
//	  - origin: https://foo.com
//	    class: persistent
//	    usage: 12MiB
//	  - origin: http://bar.com:8080
//	    class: temporary
//	    usage: 4096
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/treeverse/quotamgr/pkg/quota"
)

// Bytes is a size that unmarshals from an integer or a humanized string
// such as "10MiB".
type Bytes int64

func (b *Bytes) UnmarshalYAML(value *yaml.Node) error {
	if n, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*b = Bytes(n)
		return nil
	}
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: size %q: %w", value.Line, value.Value, err)
	}
	*b = Bytes(n)
	return nil
}

type Entry struct {
	Origin quota.Origin       `yaml:"origin"`
	Class  quota.StorageClass `yaml:"class"`
	Usage  Bytes              `yaml:"usage"`
}

type rawEntry struct {
	Origin quota.Origin        `yaml:"origin"`
	Class  *quota.StorageClass `yaml:"class"`
	Usage  Bytes               `yaml:"usage"`
}

// UnmarshalYAML requires both origin and class.  Usage defaults to 0.
func (e *Entry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.MappingNode {
		// Node.Decode does not inherit KnownFields from the outer decoder.
		for i := 0; i+1 < len(value.Content); i += 2 {
			switch key := value.Content[i]; key.Value {
			case "origin", "class", "usage":
			default:
				return fmt.Errorf("line %d: unknown field %q: %w", key.Line, key.Value, quota.ErrInvalidArgument)
			}
		}
	}
	var raw rawEntry
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch {
	case raw.Origin.Host == "":
		return fmt.Errorf("line %d: entry has no origin: %w", value.Line, quota.ErrInvalidArgument)
	case raw.Class == nil:
		return fmt.Errorf("line %d: entry for %s has no class: %w", value.Line, raw.Origin, quota.ErrInvalidArgument)
	}
	*e = Entry{Origin: raw.Origin, Class: *raw.Class, Usage: raw.Usage}
	return nil
}

type File struct {
	Origins []Entry `yaml:"origins"`
}

type usageKey struct {
	origin quota.Origin
	class  quota.StorageClass
}

// Client reports the usage of the last snapshot loaded.  It is safe for
// concurrent use.
type Client struct {
	path string

	mu    sync.RWMutex
	usage map[usageKey]int64
}

var (
	_ quota.Client           = (*Client)(nil)
	_ quota.HostOriginLister = (*Client)(nil)
)

// NewClient returns a Client holding the snapshot at path.
func NewClient(path string) (*Client, error) {
	c := &Client{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload reads the snapshot file again.  On error the previous snapshot is
// kept.
func (c *Client) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	return c.Load(bytes.NewReader(data))
}

// Load replaces the snapshot with one read from r.
func (c *Client) Load(r io.Reader) error {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse snapshot %s: %w", c.path, err)
	}
	usage := make(map[usageKey]int64, len(f.Origins))
	for _, e := range f.Origins {
		if e.Usage < 0 {
			return fmt.Errorf("snapshot %s: negative usage for %s: %w", c.path, e.Origin, quota.ErrInvalidArgument)
		}
		usage[usageKey{e.Origin, e.Class}] += int64(e.Usage)
	}

	c.mu.Lock()
	c.usage = usage
	c.mu.Unlock()
	return nil
}

func (c *Client) origins(class quota.StorageClass, keep func(quota.Origin) bool) []quota.Origin {
	c.mu.RLock()
	var ret []quota.Origin
	for k := range c.usage {
		if k.class == class && keep(k.origin) {
			ret = append(ret, k.origin)
		}
	}
	c.mu.RUnlock()
	sort.Slice(ret, func(i, j int) bool { return ret[i].String() < ret[j].String() })
	return ret
}

func (c *Client) Origins(_ context.Context, class quota.StorageClass) ([]quota.Origin, error) {
	return c.origins(class, func(quota.Origin) bool { return true }), nil
}

func (c *Client) OriginsForHost(_ context.Context, class quota.StorageClass, host string) ([]quota.Origin, error) {
	return c.origins(class, func(o quota.Origin) bool { return o.Host == host }), nil
}

func (c *Client) OriginUsage(_ context.Context, origin quota.Origin, class quota.StorageClass) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.usage[usageKey{origin, class}], nil
}
