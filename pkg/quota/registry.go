package quota

import (
	"fmt"
	"slices"
)

// registry holds the clients registered for each StorageClass.  It is
// owned by the Manager goroutine.
type registry struct {
	clients map[StorageClass][]Client
}

func newRegistry() *registry {
	return &registry{clients: make(map[StorageClass][]Client, len(StorageClasses))}
}

func (r *registry) Register(c Client, class StorageClass) error {
	if !class.Valid() {
		return fmt.Errorf("register client: %w", ErrUnknownClass)
	}
	r.clients[class] = append(r.clients[class], c)
	return nil
}

// ClientsFor returns the clients registered for class, in registration
// order.  The returned slice is a copy.
func (r *registry) ClientsFor(class StorageClass) []Client {
	return slices.Clone(r.clients[class])
}
