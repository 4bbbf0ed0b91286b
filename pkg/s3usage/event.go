package s3usage

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

const (
	// EventVersion is the oldest S3 event record version understood.
	// Newer minor versions are accepted.
	EventVersion = "v2.1"

	eventTest           = "s3:TestEvent"
	eventObjectCreated  = "s3:ObjectCreated:"
	eventObjectRemoved  = "s3:ObjectRemoved:"
	eventObjectRestored = "s3:ObjectRestore:"
)

var (
	ErrBadVersion   = errors.New("event version incompatible with " + EventVersion)
	ErrUnknownEvent = errors.New("unknown event name")
	ErrMissingField = errors.New("field missing")

	// errNoUsage marks records that do not change usage.
	errNoUsage = errors.New("no usage change")
)

// Notification is the body of an SQS message delivering S3 events.
type Notification struct {
	Records []EventRecord `json:"Records"`
}

// EventRecord is a single S3 event.  Only the fields needed to tally
// usage are decoded.
type EventRecord struct {
	Version string    `json:"eventVersion"`
	Time    time.Time `json:"eventTime"`
	Name    string    `json:"eventName"`
	S3      struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			// Key is URL-encoded.
			Key  string `json:"key"`
			Size *int64 `json:"size"`
		} `json:"object"`
	} `json:"s3"`
}

// Growth is bytes added under an S3 path.
type Growth struct {
	// Path is "s3://bucket/key", with key decoded.
	Path  string
	Bytes int64
}

func compatibleVersion(version string) error {
	v := version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if semver.Major(v) != semver.Major(EventVersion) || semver.Compare(v, EventVersion) < 0 {
		return fmt.Errorf("%s: %w", version, ErrBadVersion)
	}
	return nil
}

// Growth returns the bytes r adds.  It returns errNoUsage for events that
// never change usage: test events, removals (which carry no size) and
// restores.
func (r *EventRecord) Growth() (Growth, error) {
	if err := compatibleVersion(r.Version); err != nil {
		return Growth{}, err
	}
	switch {
	case r.Name == eventTest,
		strings.HasPrefix(r.Name, eventObjectRemoved),
		strings.HasPrefix(r.Name, eventObjectRestored):
		return Growth{}, errNoUsage
	case !strings.HasPrefix(r.Name, eventObjectCreated):
		return Growth{}, fmt.Errorf("%s: %w", r.Name, ErrUnknownEvent)
	}

	obj := r.S3.Object
	switch {
	case r.S3.Bucket.Name == "":
		return Growth{}, fmt.Errorf("s3.bucket.name: %w", ErrMissingField)
	case obj.Key == "":
		return Growth{}, fmt.Errorf("s3.object.key: %w", ErrMissingField)
	case obj.Size == nil:
		return Growth{}, fmt.Errorf("s3.object.size: %w", ErrMissingField)
	}
	key, err := url.QueryUnescape(obj.Key)
	if err != nil {
		return Growth{}, fmt.Errorf("s3.object.key %q: %w", obj.Key, err)
	}
	return Growth{Path: "s3://" + r.S3.Bucket.Name + "/" + key, Bytes: *obj.Size}, nil
}
