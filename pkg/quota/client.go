package quota

import "context"

// Client is a storage subsystem that reports how many bytes each origin
// uses.  Methods are called from goroutines other than the Manager's and
// must be safe for concurrent use.  ctx is canceled when the Manager closes
// or the client timeout expires.
type Client interface {
	// Origins returns every origin holding data of class.
	Origins(ctx context.Context, class StorageClass) ([]Origin, error)
	// OriginUsage returns the bytes origin uses for class.
	OriginUsage(ctx context.Context, origin Origin, class StorageClass) (int64, error)
}

// HostOriginLister is implemented by clients that can list the origins of
// a single host more cheaply than listing all of them.
type HostOriginLister interface {
	OriginsForHost(ctx context.Context, class StorageClass, host string) ([]Origin, error)
}
