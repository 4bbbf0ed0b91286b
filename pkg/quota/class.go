package quota

import (
	"fmt"
	"strings"
)

// StorageClass partitions storage by eviction policy.  Temporary storage
// shares one global pool; persistent storage is granted per host.
type StorageClass int

const (
	Temporary StorageClass = iota
	Persistent
)

// StorageClasses lists every known class.
var StorageClasses = []StorageClass{Temporary, Persistent}

func (c StorageClass) Valid() bool {
	return c == Temporary || c == Persistent
}

func (c StorageClass) String() string {
	switch c {
	case Temporary:
		return "temporary"
	case Persistent:
		return "persistent"
	default:
		return fmt.Sprintf("StorageClass(%d)", int(c))
	}
}

// ParseStorageClass returns the class named s, or ErrUnknownClass.
func ParseStorageClass(s string) (StorageClass, error) {
	switch strings.ToLower(s) {
	case "temporary":
		return Temporary, nil
	case "persistent":
		return Persistent, nil
	}
	return 0, fmt.Errorf("%q: %w", s, ErrUnknownClass)
}

func (c StorageClass) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%d: %w", int(c), ErrUnknownClass)
	}
	return []byte(c.String()), nil
}

func (c *StorageClass) UnmarshalText(text []byte) error {
	parsed, err := ParseStorageClass(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
