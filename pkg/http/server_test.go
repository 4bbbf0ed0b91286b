package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-test/deep"
	"go.uber.org/zap/zaptest"

	quotahttp "github.com/treeverse/quotamgr/pkg/http"
	"github.com/treeverse/quotamgr/pkg/quota"
	"github.com/treeverse/quotamgr/pkg/quota/quotatest"
)

const testTimeout = 5 * time.Second

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := zaptest.NewLogger(t)
	m := quota.NewManager(nil, quota.WithLogger(log))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if err := m.Close(ctx); err != nil {
			t.Errorf("Close: %s", err)
		}
	})
	client := quotatest.NewClient(
		quotatest.Entry{Origin: "http://foo.com", Class: quota.Temporary, Usage: 1},
		quotatest.Entry{Origin: "https://foo.com", Class: quota.Temporary, Usage: 20},
		quotatest.Entry{Origin: "http://bar.com", Class: quota.Temporary, Usage: 300},
		quotatest.Entry{Origin: "http://foo.com", Class: quota.Persistent, Usage: 4000},
	)
	if err := m.RegisterClient(client, quota.Temporary, quota.Persistent); err != nil {
		t.Fatalf("RegisterClient: %s", err)
	}
	s := &quotahttp.Server{Quotas: m, Log: log}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request %s %s: %s", method, path, err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %s", method, path, err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != quotahttp.JSONContentType {
		t.Errorf("%s %s: content type %q", method, path, ct)
	}
	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("%s %s: decode response: %s", method, path, err)
	}
	return resp.StatusCode, decoded
}

func TestREST(t *testing.T) {
	ts := newServer(t)
	const prefix = "/internal/api/v1"

	// Steps share the server, so they run in order.
	steps := []struct {
		Name   string
		Method string
		Path   string
		Body   string
		Code   int
		Want   map[string]interface{}
	}{
		{
			Name: "GlobalUsage", Method: http.MethodGet, Path: "/usage/temporary",
			Code: http.StatusOK, Want: map[string]interface{}{"class": "temporary", "usage": 321.0},
		}, {
			Name: "HostUsage", Method: http.MethodGet, Path: "/usage/temporary/hosts/foo.com",
			Code: http.StatusOK, Want: map[string]interface{}{"class": "temporary", "host": "foo.com", "usage": 21.0},
		}, {
			Name: "UnknownClass", Method: http.MethodGet, Path: "/usage/syncable",
			Code: http.StatusBadRequest, Want: map[string]interface{}{"status": "unknown_class"},
		}, {
			Name: "DefaultTemporaryQuota", Method: http.MethodGet, Path: "/quota/temporary",
			Code: http.StatusOK, Want: map[string]interface{}{"quota": float64(quota.DefaultTemporaryQuota)},
		}, {
			Name: "SetTemporaryQuota", Method: http.MethodPut, Path: "/quota/temporary", Body: `{"quota": 1000}`,
			Code: http.StatusOK, Want: map[string]interface{}{"quota": 1000.0},
		}, {
			Name: "TemporaryUsageAndQuota", Method: http.MethodGet, Path: "/usage-and-quota?origin=http://foo.com&class=temporary",
			Code: http.StatusOK, Want: map[string]interface{}{
				"origin": "http://foo.com", "class": "temporary", "usage": 21.0, "quota": 700.0,
			},
		}, {
			Name: "SetPersistentQuotaSize", Method: http.MethodPut, Path: "/quota/persistent/hosts/foo.com", Body: `{"quota_size": "1KiB"}`,
			Code: http.StatusOK, Want: map[string]interface{}{"host": "foo.com", "quota": 1024.0},
		}, {
			Name: "PersistentQuota", Method: http.MethodGet, Path: "/quota/persistent/hosts/foo.com",
			Code: http.StatusOK, Want: map[string]interface{}{"host": "foo.com", "quota": 1024.0},
		}, {
			Name: "UnsetPersistentQuota", Method: http.MethodGet, Path: "/quota/persistent/hosts/bar.com",
			Code: http.StatusOK, Want: map[string]interface{}{"host": "bar.com", "quota": 0.0},
		}, {
			Name: "PersistentUsageAndQuota", Method: http.MethodGet, Path: "/usage-and-quota?origin=http://foo.com:80&class=persistent",
			Code: http.StatusOK, Want: map[string]interface{}{
				"origin": "http://foo.com", "class": "persistent", "usage": 4000.0, "quota": 1024.0,
			},
		}, {
			Name: "BadOrigin", Method: http.MethodGet, Path: "/usage-and-quota?origin=foo&class=temporary",
			Code: http.StatusBadRequest, Want: map[string]interface{}{"status": "invalid_argument"},
		}, {
			Name: "NegativeQuota", Method: http.MethodPut, Path: "/quota/temporary", Body: `{"quota": -1}`,
			Code: http.StatusBadRequest, Want: map[string]interface{}{"status": "invalid_argument"},
		}, {
			Name: "BothQuotaFields", Method: http.MethodPut, Path: "/quota/temporary", Body: `{"quota": 1, "quota_size": "1B"}`,
			Code: http.StatusBadRequest, Want: map[string]interface{}{"status": "invalid_argument"},
		}, {
			Name: "BadQuotaSize", Method: http.MethodPut, Path: "/quota/temporary", Body: `{"quota_size": "lots"}`,
			Code: http.StatusBadRequest, Want: map[string]interface{}{"status": "invalid_argument"},
		}, {
			Name: "UnknownField", Method: http.MethodPut, Path: "/quota/temporary", Body: `{"limit": 1}`,
			Code: http.StatusBadRequest, Want: map[string]interface{}{"status": "invalid_argument"},
		}, {
			Name: "QuotaUnchanged", Method: http.MethodGet, Path: "/quota/temporary",
			Code: http.StatusOK, Want: map[string]interface{}{"quota": 1000.0},
		},
	}
	for _, step := range steps {
		code, body := do(t, ts, step.Method, prefix+step.Path, step.Body)
		if code != step.Code {
			t.Errorf("%s: status %d, expected %d (body %v)", step.Name, code, step.Code, body)
		}
		if step.Code != http.StatusOK {
			// Only compare the status of an error, not its message.
			delete(body, "error")
		}
		if diffs := deep.Equal(step.Want, body); diffs != nil {
			t.Errorf("%s: %s", step.Name, diffs)
		}
	}
}

func TestHealth(t *testing.T) {
	ts := newServer(t)
	resp, err := ts.Client().Get(ts.URL + "/_health")
	if err != nil {
		t.Fatalf("get health: %s", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "alive!" {
		t.Errorf("health: %d %q", resp.StatusCode, body)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		Name string
		Err  error
		Code int
	}{
		{"OK", nil, http.StatusOK},
		{"Abort", fmt.Errorf("closing: %w", quota.ErrAborted), http.StatusServiceUnavailable},
		{"UnknownClass", quota.ErrUnknownClass, http.StatusBadRequest},
		{"InvalidArgument", fmt.Errorf("bad: %w", quota.ErrInvalidArgument), http.StatusBadRequest},
		{"Deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"Other", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			if code := quotahttp.HTTPStatus(tc.Err); code != tc.Code {
				t.Errorf("HTTPStatus(%v) = %d, expected %d", tc.Err, code, tc.Code)
			}
		})
	}
}

func TestServeShutsDown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	addr := l.Addr().String()
	l.Close()

	m := quota.NewManager(nil)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), testTimeout)
		defer closeCancel()
		_ = m.Close(closeCtx)
	}()
	s := &quotahttp.Server{Quotas: m, Log: zaptest.NewLogger(t)}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, addr) }()

	deadline := time.Now().Add(testTimeout)
	for {
		resp, err := http.Get("http://" + addr + "/_health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %s", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve: %s", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("Serve did not return after cancel")
	}
}
