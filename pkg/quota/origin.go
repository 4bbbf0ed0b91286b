package quota

import (
	"fmt"
	"net/url"
	"strings"
)

// Origin identifies a web origin.  Usage is reported per origin and
// aggregated per host.
type Origin struct {
	Scheme string
	Host   string
	// Port is empty for the scheme's default port.
	Port string
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
}

// ParseOrigin parses an origin of the form scheme://host[:port].  A path,
// if present, is ignored.
func ParseOrigin(s string) (Origin, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Origin{}, fmt.Errorf("origin %q: %w", s, ErrInvalidArgument)
	}
	o := Origin{
		Scheme: strings.ToLower(u.Scheme),
		Host:   strings.ToLower(u.Hostname()),
		Port:   u.Port(),
	}
	if o.Scheme == "" || o.Host == "" {
		return Origin{}, fmt.Errorf("origin %q: missing scheme or host: %w", s, ErrInvalidArgument)
	}
	if defaultPorts[o.Scheme] == o.Port {
		o.Port = ""
	}
	return o, nil
}

// normalizeHost returns host in the form ParseOrigin gives Origin.Host, so
// that every host-keyed operation aggregates under the same name.
func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"))
}

// MustParseOrigin is like ParseOrigin but panics on error.  It is meant for
// tests and constant origins.
func MustParseOrigin(s string) Origin {
	o, err := ParseOrigin(s)
	if err != nil {
		panic(err)
	}
	return o
}

func (o Origin) String() string {
	host := o.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if o.Port == "" {
		return o.Scheme + "://" + host
	}
	return o.Scheme + "://" + host + ":" + o.Port
}

func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Origin) UnmarshalText(text []byte) error {
	parsed, err := ParseOrigin(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}
