package quota

const (
	// DefaultTemporaryQuota is the temporary global quota used until one
	// is set.
	DefaultTemporaryQuota int64 = 50 << 20
	// MaxTemporaryQuota bounds the configurable default temporary global
	// quota.
	MaxTemporaryQuota int64 = 1 << 30
)

// TemporaryHostQuota returns the temporary quota available to a host using
// hostUsage bytes, when all hosts together use globalUsage bytes of a
// globalQuota pool.  A host may use whatever the other hosts leave over.
func TemporaryHostQuota(globalQuota, globalUsage, hostUsage int64) int64 {
	others := max(globalUsage-hostUsage, 0)
	return max(globalQuota-others, 0)
}

func clampTemporaryQuota(q int64) int64 {
	return min(max(q, 0), MaxTemporaryQuota)
}
