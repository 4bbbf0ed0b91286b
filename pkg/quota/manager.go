package quota

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/treeverse/quotamgr/pkg/store"
	"github.com/treeverse/quotamgr/pkg/store/mem"
)

const (
	temporaryGlobalQuotaKey      = "quota/temporary/global"
	persistentHostQuotaKeyPrefix = "quota/persistent/host/"
)

// TemporaryGlobalQuotaKey is the settings key holding the temporary global
// quota.
func TemporaryGlobalQuotaKey() string {
	return temporaryGlobalQuotaKey
}

// PersistentHostQuotaKey is the settings key holding the persistent quota
// of host.
func PersistentHostQuotaKey(host string) string {
	return persistentHostQuotaKeyPrefix + normalizeHost(host)
}

// UsageAndQuota is the answer to GetUsageAndQuota.
type UsageAndQuota struct {
	Usage int64 `json:"usage"`
	Quota int64 `json:"quota"`
}

type requestState int

const (
	requestCreated requestState = iota
	requestDispatched
	requestCompleted
	requestAborted
)

// request is one accepted operation.  It reaches exactly one of
// requestCompleted or requestAborted, and its callback fires exactly once.
type request struct {
	id    uint64
	op    string
	state requestState
	fail  func(error)
}

func (r *request) terminal() bool {
	return r.state == requestCompleted || r.state == requestAborted
}

// Manager answers usage and quota queries over a set of registered
// clients, and keeps quota settings on a store.Store.
type Manager struct {
	settings              store.Store
	log                   *zap.SugaredLogger
	lineage               string
	defaultTemporaryQuota int64
	clientTimeout         time.Duration

	// ctx is passed to clients and the settings store, and canceled by
	// Close.
	ctx    context.Context
	cancel context.CancelFunc

	owner     *taskRunner
	persist   *taskRunner
	closeOnce sync.Once

	// Fields below belong to the owner goroutine.
	closed   bool
	registry *registry
	trackers map[StorageClass]*usageTracker
	requests map[uint64]*request
	nextID   uint64
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.log = l.Sugar()
	}
}

// WithDefaultTemporaryQuota sets the temporary global quota used while none
// is stored.  It is clamped to [0, MaxTemporaryQuota].
func WithDefaultTemporaryQuota(q int64) Option {
	return func(m *Manager) {
		m.defaultTemporaryQuota = clampTemporaryQuota(q)
	}
}

// WithClientTimeout bounds each client's work for a single query.  A client
// that does not finish in time contributes 0.  Zero means no bound.
func WithClientTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.clientTimeout = d
	}
}

// NewManager returns a running Manager keeping quota settings on settings.
// A nil settings keeps them in memory.
func NewManager(settings store.Store, opts ...Option) *Manager {
	if settings == nil {
		settings = mem.NewStore()
	}
	m := &Manager{
		settings:              settings,
		log:                   zap.NewNop().Sugar(),
		lineage:               uuid.NewString(),
		defaultTemporaryQuota: DefaultTemporaryQuota,
		registry:              newRegistry(),
		requests:              make(map[uint64]*request),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.Named("quota").With("lineage", m.lineage)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.owner = newTaskRunner()
	m.persist = newTaskRunner()

	m.trackers = make(map[StorageClass]*usageTracker, len(StorageClasses))
	for _, class := range StorageClasses {
		m.trackers[class] = newUsageTracker(m.ctx, class, m.registry, m.owner, m.clientTimeout, m.log)
	}
	m.log.Infow("Quota manager started",
		"default_temporary_quota", humanize.IBytes(uint64(m.defaultTemporaryQuota)),
		"client_timeout", m.clientTimeout)
	return m
}

// Lineage identifies this Manager instance in logs.
func (m *Manager) Lineage() string {
	return m.lineage
}

// RegisterClient makes client contribute to usage of every class in
// classes.  Queries issued after RegisterClient returns see the client;
// queries already in flight do not.
func (m *Manager) RegisterClient(client Client, classes ...StorageClass) error {
	if client == nil {
		return fmt.Errorf("register nil client: %w", ErrInvalidArgument)
	}
	for _, class := range classes {
		if !class.Valid() {
			return fmt.Errorf("register client for %s: %w", class, ErrUnknownClass)
		}
	}
	ok := m.owner.Post(func() {
		if m.closed {
			return
		}
		for _, class := range classes {
			// Classes were validated above.
			_ = m.registry.Register(client, class)
		}
		m.log.Debugw("Client registered", "client", fmt.Sprintf("%T", client), "classes", classes)
	})
	if !ok {
		return ErrAborted
	}
	return nil
}

// dispatch runs start for a new request on the owner goroutine.  If the
// Manager is closed fail receives ErrAborted instead, synchronously when
// Close has already returned.
func (m *Manager) dispatch(op string, fail func(error), start func(r *request)) {
	ok := m.owner.Post(func() {
		if m.closed {
			fail(ErrAborted)
			return
		}
		m.nextID++
		r := &request{id: m.nextID, op: op, state: requestCreated, fail: fail}
		m.requests[r.id] = r
		r.state = requestDispatched
		start(r)
	})
	if !ok {
		fail(ErrAborted)
	}
}

// finish completes r by calling deliver, unless r already reached a
// terminal state.
func (m *Manager) finish(r *request, deliver func()) {
	if r.terminal() {
		return
	}
	r.state = requestCompleted
	delete(m.requests, r.id)
	deliver()
}

// reject completes r with err.
func (m *Manager) reject(r *request, err error) {
	m.finish(r, func() { r.fail(err) })
}

func (m *Manager) tracker(class StorageClass) (*usageTracker, error) {
	t, ok := m.trackers[class]
	if !ok {
		return nil, fmt.Errorf("%s: %w", class, ErrUnknownClass)
	}
	return t, nil
}

// GetUsageAndQuota delivers the usage of origin's host and the quota
// available to it for class.
func (m *Manager) GetUsageAndQuota(origin Origin, class StorageClass, cb func(UsageAndQuota, error)) {
	m.dispatch("usage_and_quota", func(err error) { cb(UsageAndQuota{}, err) }, func(r *request) {
		t, err := m.tracker(class)
		if err != nil {
			m.reject(r, err)
			return
		}
		host := normalizeHost(origin.Host)
		if host == "" {
			m.reject(r, fmt.Errorf("origin without host: %w", ErrInvalidArgument))
			return
		}

		var hostUsage, globalUsage, quota int64
		switch class {
		case Persistent:
			b := newBarrier(2, func(err error) {
				m.finish(r, func() {
					if err != nil {
						cb(UsageAndQuota{}, err)
						return
					}
					cb(UsageAndQuota{Usage: hostUsage, Quota: quota}, nil)
				})
			})
			t.HostUsage(host, func(v int64, err error) { hostUsage = v; b.arrive(err) })
			m.readSetting(PersistentHostQuotaKey(host), 0, func(v int64, err error) { quota = v; b.arrive(err) })

		case Temporary:
			b := newBarrier(3, func(err error) {
				m.finish(r, func() {
					if err != nil {
						cb(UsageAndQuota{}, err)
						return
					}
					cb(UsageAndQuota{
						Usage: hostUsage,
						Quota: TemporaryHostQuota(quota, globalUsage, hostUsage),
					}, nil)
				})
			})
			t.HostUsage(host, func(v int64, err error) { hostUsage = v; b.arrive(err) })
			t.GlobalUsage(func(v int64, err error) { globalUsage = v; b.arrive(err) })
			m.readSetting(temporaryGlobalQuotaKey, m.defaultTemporaryQuota, func(v int64, err error) { quota = v; b.arrive(err) })
		}
	})
}

// GetGlobalUsage delivers the bytes used by all origins for class.
func (m *Manager) GetGlobalUsage(class StorageClass, cb func(int64, error)) {
	m.dispatch("global_usage", func(err error) { cb(0, err) }, func(r *request) {
		t, err := m.tracker(class)
		if err != nil {
			m.reject(r, err)
			return
		}
		t.GlobalUsage(func(v int64, err error) {
			m.finish(r, func() { cb(v, err) })
		})
	})
}

// GetHostUsage delivers the bytes used by origins of host for class.
func (m *Manager) GetHostUsage(host string, class StorageClass, cb func(int64, error)) {
	host = normalizeHost(host)
	m.dispatch("host_usage", func(err error) { cb(0, err) }, func(r *request) {
		t, err := m.tracker(class)
		if err != nil {
			m.reject(r, err)
			return
		}
		if host == "" {
			m.reject(r, fmt.Errorf("empty host: %w", ErrInvalidArgument))
			return
		}
		t.HostUsage(host, func(v int64, err error) {
			m.finish(r, func() { cb(v, err) })
		})
	})
}

// GetTemporaryGlobalQuota delivers the temporary global quota.
func (m *Manager) GetTemporaryGlobalQuota(cb func(int64, error)) {
	m.dispatch("get_temporary_global_quota", func(err error) { cb(0, err) }, func(r *request) {
		m.readSetting(temporaryGlobalQuotaKey, m.defaultTemporaryQuota, func(v int64, err error) {
			m.finish(r, func() { cb(v, err) })
		})
	})
}

// SetTemporaryGlobalQuota stores q as the temporary global quota, and
// delivers it once stored.
func (m *Manager) SetTemporaryGlobalQuota(q int64, cb func(int64, error)) {
	m.dispatch("set_temporary_global_quota", func(err error) { cb(0, err) }, func(r *request) {
		if q < 0 {
			m.reject(r, fmt.Errorf("negative quota %d: %w", q, ErrInvalidArgument))
			return
		}
		m.writeSetting(temporaryGlobalQuotaKey, q, func(err error) {
			m.finish(r, func() { cb(q, err) })
		})
	})
}

// GetPersistentHostQuota delivers the persistent quota of host, 0 if
// unset.
func (m *Manager) GetPersistentHostQuota(host string, cb func(int64, error)) {
	host = normalizeHost(host)
	m.dispatch("get_persistent_host_quota", func(err error) { cb(0, err) }, func(r *request) {
		if host == "" {
			m.reject(r, fmt.Errorf("empty host: %w", ErrInvalidArgument))
			return
		}
		m.readSetting(PersistentHostQuotaKey(host), 0, func(v int64, err error) {
			m.finish(r, func() { cb(v, err) })
		})
	})
}

// SetPersistentHostQuota stores q as the persistent quota of host, and
// delivers it once stored.
func (m *Manager) SetPersistentHostQuota(host string, q int64, cb func(int64, error)) {
	host = normalizeHost(host)
	m.dispatch("set_persistent_host_quota", func(err error) { cb(0, err) }, func(r *request) {
		if host == "" {
			m.reject(r, fmt.Errorf("empty host: %w", ErrInvalidArgument))
			return
		}
		if q < 0 {
			m.reject(r, fmt.Errorf("negative quota %d: %w", q, ErrInvalidArgument))
			return
		}
		m.writeSetting(PersistentHostQuotaKey(host), q, func(err error) {
			m.finish(r, func() { cb(q, err) })
		})
	})
}

// readSetting reads key on the persistence goroutine and delivers the
// value, or def if unset, to cb on the owner goroutine.
func (m *Manager) readSetting(key string, def int64, cb func(int64, error)) {
	ok := m.persist.Post(func() {
		var (
			v   int64
			err error
		)
		if m.ctx.Err() != nil {
			err = ErrAborted
		} else {
			value, getErr := m.settings.Get(m.ctx, key)
			switch {
			case errors.Is(getErr, store.ErrNotFound):
				v = def
			case getErr != nil:
				err = fmt.Errorf("read %s: %w", key, getErr)
			default:
				v = value.SizeBytes
			}
		}
		m.owner.Post(func() { cb(v, err) })
	})
	if !ok {
		cb(0, ErrAborted)
	}
}

// writeSetting stores v under key on the persistence goroutine and delivers
// the outcome to cb on the owner goroutine.
func (m *Manager) writeSetting(key string, v int64, cb func(error)) {
	ok := m.persist.Post(func() {
		var err error
		if m.ctx.Err() != nil {
			err = ErrAborted
		} else if setErr := m.settings.Set(m.ctx, key, store.Value{SizeBytes: v}); setErr != nil {
			err = fmt.Errorf("write %s: %w", key, setErr)
		}
		m.owner.Post(func() {
			if err == nil {
				m.log.Infow("Quota set", "key", key, "quota", humanize.IBytes(uint64(v)))
			}
			cb(err)
		})
	})
	if !ok {
		cb(ErrAborted)
	}
}

// teardown aborts every outstanding request, oldest first.  It runs on the
// owner goroutine.
func (m *Manager) teardown() {
	m.closed = true
	ids := slices.Sorted(maps.Keys(m.requests))
	for _, id := range ids {
		r := m.requests[id]
		r.state = requestAborted
		delete(m.requests, id)
		m.log.Debugw("Request aborted", "op", r.op, "request_id", r.id)
		r.fail(ErrAborted)
	}
	for _, class := range StorageClasses {
		m.trackers[class].abort(ErrAborted)
	}
	m.log.Infow("Quota manager closed", "aborted", len(ids))
}

// Close aborts every outstanding request and stops the Manager.  When it
// returns nil no further callbacks are invoked.  It returns ctx.Err() if
// ctx ends first.
//
// Called from a callback, Close cannot wait for the Manager goroutine it
// is running on: it stops the Manager and returns ctx.Err() once ctx ends.
// Pass an already canceled ctx there to return at once.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.owner.Post(m.teardown)
		m.cancel()
		m.owner.Stop()
		m.persist.Stop()
	})
	for _, r := range []*taskRunner{m.owner, m.persist} {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// barrier calls done once arrive has been called n times, with the first
// non-nil error passed to arrive.
type barrier struct {
	remaining int
	err       error
	done      func(error)
}

func newBarrier(n int, done func(error)) *barrier {
	return &barrier{remaining: n, done: done}
}

func (b *barrier) arrive(err error) {
	if b.remaining == 0 {
		return
	}
	if err != nil && b.err == nil {
		b.err = err
	}
	b.remaining--
	if b.remaining == 0 {
		b.done(b.err)
	}
}
