package quota

import "context"

type result[T any] struct {
	v   T
	err error
}

// await issues an asynchronous operation and waits for its result or for
// ctx to end.  The callback never blocks the Manager, even if the caller
// has given up.
func await[T any](ctx context.Context, issue func(cb func(T, error))) (T, error) {
	ch := make(chan result[T], 1)
	issue(func(v T, err error) { ch <- result[T]{v, err} })
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// QueryUsageAndQuota is the blocking form of GetUsageAndQuota.
func (m *Manager) QueryUsageAndQuota(ctx context.Context, origin Origin, class StorageClass) (UsageAndQuota, error) {
	return await(ctx, func(cb func(UsageAndQuota, error)) { m.GetUsageAndQuota(origin, class, cb) })
}

// QueryGlobalUsage is the blocking form of GetGlobalUsage.
func (m *Manager) QueryGlobalUsage(ctx context.Context, class StorageClass) (int64, error) {
	return await(ctx, func(cb func(int64, error)) { m.GetGlobalUsage(class, cb) })
}

// QueryHostUsage is the blocking form of GetHostUsage.
func (m *Manager) QueryHostUsage(ctx context.Context, host string, class StorageClass) (int64, error) {
	return await(ctx, func(cb func(int64, error)) { m.GetHostUsage(host, class, cb) })
}

// QueryTemporaryGlobalQuota is the blocking form of GetTemporaryGlobalQuota.
func (m *Manager) QueryTemporaryGlobalQuota(ctx context.Context) (int64, error) {
	return await(ctx, m.GetTemporaryGlobalQuota)
}

// UpdateTemporaryGlobalQuota is the blocking form of SetTemporaryGlobalQuota.
func (m *Manager) UpdateTemporaryGlobalQuota(ctx context.Context, q int64) (int64, error) {
	return await(ctx, func(cb func(int64, error)) { m.SetTemporaryGlobalQuota(q, cb) })
}

// QueryPersistentHostQuota is the blocking form of GetPersistentHostQuota.
func (m *Manager) QueryPersistentHostQuota(ctx context.Context, host string) (int64, error) {
	return await(ctx, func(cb func(int64, error)) { m.GetPersistentHostQuota(host, cb) })
}

// UpdatePersistentHostQuota is the blocking form of SetPersistentHostQuota.
func (m *Manager) UpdatePersistentHostQuota(ctx context.Context, host string, q int64) (int64, error) {
	return await(ctx, func(cb func(int64, error)) { m.SetPersistentHostQuota(host, q, cb) })
}
