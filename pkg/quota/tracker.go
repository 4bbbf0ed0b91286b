package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

type poster interface {
	Post(task func()) bool
}

// usageKey identifies one usage computation: a single host, or all hosts.
type usageKey struct {
	global bool
	host   string
}

// usageTracker computes usage of one StorageClass by summing the reports
// of every client registered for it.  Everything except the client calls
// runs on the Manager goroutine.
type usageTracker struct {
	class         StorageClass
	registry      *registry
	owner         poster
	ctx           context.Context
	clientTimeout time.Duration
	log           *zap.SugaredLogger

	pending *Coalescer[usageKey, int64]
	// epoch increases on abort; replies from an older epoch are stale.
	epoch uint64
}

func newUsageTracker(ctx context.Context, class StorageClass, reg *registry, owner poster, clientTimeout time.Duration, log *zap.SugaredLogger) *usageTracker {
	return &usageTracker{
		class:         class,
		registry:      reg,
		owner:         owner,
		ctx:           ctx,
		clientTimeout: clientTimeout,
		log:           log.With("class", class.String()),
		pending:       NewCoalescer[usageKey, int64](),
	}
}

// HostUsage delivers the bytes used by origins of host to cb.
func (t *usageTracker) HostUsage(host string, cb func(int64, error)) {
	key := usageKey{host: host}
	t.pending.Start(key, func(done func(int64, error)) { t.gather(key, done) }, cb)
}

// GlobalUsage delivers the bytes used by all origins to cb.
func (t *usageTracker) GlobalUsage(cb func(int64, error)) {
	key := usageKey{global: true}
	t.pending.Start(key, func(done func(int64, error)) { t.gather(key, done) }, cb)
}

func (t *usageTracker) abort(err error) {
	t.epoch++
	t.pending.Abort(err)
}

type accumulator struct {
	remaining int
	sum       int64
	errs      *multierror.Error
}

func (t *usageTracker) gather(key usageKey, done func(int64, error)) {
	epoch := t.epoch
	clients := t.registry.ClientsFor(t.class)
	if len(clients) == 0 {
		// Never deliver from inside Start.
		t.owner.Post(func() {
			if epoch == t.epoch {
				done(0, nil)
			}
		})
		return
	}

	acc := &accumulator{remaining: len(clients)}
	for i, c := range clients {
		go func() {
			total, err := t.measure(c, key)
			t.owner.Post(func() {
				if epoch != t.epoch {
					return
				}
				acc.sum += total
				if err != nil {
					acc.errs = multierror.Append(acc.errs, fmt.Errorf("client %d: %w", i, err))
				}
				acc.remaining--
				if acc.remaining > 0 {
					return
				}
				if acc.errs != nil {
					t.log.Warnw("Some clients failed to report usage",
						"host", key.host, "global", key.global, "error", acc.errs)
				}
				t.log.Debugw("Usage gathered",
					"host", key.host, "global", key.global, "usage", humanize.IBytes(uint64(acc.sum)))
				done(acc.sum, nil)
			})
		}()
	}
}

// measure sums the usage c reports for key.  Failing origins count as 0;
// their errors are returned alongside the partial sum.
func (t *usageTracker) measure(c Client, key usageKey) (int64, error) {
	ctx := t.ctx
	if t.clientTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.clientTimeout)
		defer cancel()
	}

	var (
		origins []Origin
		err     error
	)
	if lister, ok := c.(HostOriginLister); ok && !key.global {
		origins, err = lister.OriginsForHost(ctx, t.class, key.host)
	} else {
		origins, err = c.Origins(ctx, t.class)
	}
	if err != nil {
		return 0, fmt.Errorf("list origins: %w", err)
	}

	var (
		total int64
		merr  *multierror.Error
	)
	seen := make(map[Origin]struct{}, len(origins))
	for _, o := range origins {
		if !key.global && normalizeHost(o.Host) != key.host {
			continue
		}
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		n, err := c.OriginUsage(ctx, o, t.class)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", o, err))
			continue
		}
		if n > 0 {
			total += n
		}
	}
	return total, merr.ErrorOrNil()
}
