package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"testing"

	"vhost-proxy/internal/config"
	"vhost-proxy/internal/metrics"
	"vhost-proxy/internal/model"
)

type fakeSession struct {
	method string
	uri    string
	header http.Header
	status int
}

func (s *fakeSession) Method() string             { return s.method }
func (s *fakeSession) URI() string                { return s.uri }
func (s *fakeSession) RequestHeader() http.Header { return s.header }
func (s *fakeSession) ResponseStatus() int        { return s.status }

func testConfig(host string) *config.Config {
	return &config.Config{
		Upstream: config.NewUpstream(netip.MustParseAddrPort("10.0.0.5:6677")),
		VirtualHost: config.VirtualHostConfig{
			Name:          host,
			XForwardedFor: "127.0.0.1",
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCore_SelectUpstream(t *testing.T) {
	core := NewCore(testConfig("www.example.com"), discardLogger(), nil)
	s := &fakeSession{method: http.MethodGet, uri: "/"}

	peer := core.SelectUpstream(s, core.NewContext())

	if want := netip.MustParseAddrPort("10.0.0.5:6677"); peer.Addr != want {
		t.Errorf("Addr = %v, want %v", peer.Addr, want)
	}
	if peer.TLS {
		t.Error("TLS = true, want plaintext")
	}
	if peer.Name != "www.example.com" {
		t.Errorf("Name = %q, want %q", peer.Name, "www.example.com")
	}
}

func TestCore_FilterRequestHeaders_HostAndXFF(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
	}{
		{"absent", http.Header{}},
		{"present", http.Header{"Host": {"localhost:8000"}, "X-Forwarded-For": {"1.2.3.4, 5.6.7.8"}}},
		{"multiple values", http.Header{"X-Forwarded-For": {"1.1.1.1", "2.2.2.2"}}},
		{"empty values", http.Header{"Host": {""}, "X-Forwarded-For": {""}}},
	}

	core := NewCore(testConfig("www.example.com"), discardLogger(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSession{method: http.MethodGet, uri: "/", header: tt.header.Clone()}
			out := tt.header.Clone()

			if err := core.FilterRequestHeaders(s, out, core.NewContext()); err != nil {
				t.Fatalf("FilterRequestHeaders() error = %v", err)
			}
			if got := out.Values("Host"); len(got) != 1 || got[0] != "www.example.com" {
				t.Errorf("Host = %q, want [www.example.com]", got)
			}
			if got := out.Values("X-Forwarded-For"); len(got) != 1 || got[0] != "127.0.0.1" {
				t.Errorf("X-Forwarded-For = %q, want [127.0.0.1]", got)
			}
		})
	}
}

func TestCore_FilterRequestHeaders_RefererOrigin(t *testing.T) {
	tests := []struct {
		name        string
		in          http.Header
		wantReferer []string
		wantOrigin  []string
	}{
		{
			name:        "both rewritten",
			in:          http.Header{"Referer": {"http://localhost:8000/a/b?x=1"}, "Origin": {"http://localhost:8000"}},
			wantReferer: []string{"https://www.example.com/a/b?x=1"},
			wantOrigin:  []string{"https://www.example.com"},
		},
		{
			name: "neither present",
			in:   http.Header{"Accept": {"*/*"}},
		},
		{
			name:        "malformed referer",
			in:          http.Header{"Referer": {"not-a-url"}},
			wantReferer: []string{"https://www.example.com"},
		},
		{
			name:        "non ascii referer untouched",
			in:          http.Header{"Referer": {"http://localhost/caf\xc3\xa9"}},
			wantReferer: []string{"http://localhost/caf\xc3\xa9"},
		},
		{
			name:       "origin null",
			in:         http.Header{"Origin": {"null"}},
			wantOrigin: []string{"https://www.example.com"},
		},
	}

	core := NewCore(testConfig("www.example.com"), discardLogger(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSession{method: http.MethodGet, uri: "/", header: tt.in}
			out := tt.in.Clone()

			if err := core.FilterRequestHeaders(s, out, core.NewContext()); err != nil {
				t.Fatalf("FilterRequestHeaders() error = %v", err)
			}
			if got := out.Values("Referer"); !slices.Equal(got, tt.wantReferer) {
				t.Errorf("Referer = %q, want %q", got, tt.wantReferer)
			}
			if got := out.Values("Origin"); !slices.Equal(got, tt.wantOrigin) {
				t.Errorf("Origin = %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}

func TestCore_FilterRequestHeaders_RemovesUnsettableValue(t *testing.T) {
	// Config validation rejects such a host; build the Config directly to reach the path.
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	core := NewCore(testConfig("bad\x00host"), logger, nil)

	out := http.Header{"Referer": {"http://localhost/x"}, "Origin": {"http://localhost"}, "Accept": {"*/*"}}
	s := &fakeSession{method: http.MethodGet, uri: "/x", header: out.Clone()}

	if err := core.FilterRequestHeaders(s, out, core.NewContext()); err != nil {
		t.Fatalf("FilterRequestHeaders() error = %v, want nil", err)
	}
	if _, ok := out["Referer"]; ok {
		t.Errorf("Referer = %q, want removed", out.Values("Referer"))
	}
	if _, ok := out["Origin"]; ok {
		t.Errorf("Origin = %q, want removed", out.Values("Origin"))
	}
	if out.Get("Accept") != "*/*" {
		t.Errorf("Accept = %q, want untouched", out.Get("Accept"))
	}
	if n := strings.Count(buf.String(), "level=WARN"); n != 2 {
		t.Errorf("warnings = %d, want 2; log:\n%s", n, buf.String())
	}
	if !strings.Contains(buf.String(), "not a valid header field value") {
		t.Errorf("warning does not carry the cause; log:\n%s", buf.String())
	}
}

func TestCore_FilterRequestHeaders_Concurrent(t *testing.T) {
	core := NewCore(testConfig("www.example.com"), discardLogger(), nil)

	const n = 200
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path := fmt.Sprintf("/item/%d?page=%d", i, i)
			out := http.Header{
				"Host":            {fmt.Sprintf("client-%d.local", i)},
				"X-Forwarded-For": {fmt.Sprintf("10.1.%d.%d", i/256, i%256)},
				"Referer":         {"http://localhost:8000" + path},
			}
			s := &fakeSession{method: http.MethodGet, uri: path, header: out.Clone()}
			rc := core.NewContext()
			_ = core.SelectUpstream(s, rc)
			if err := core.FilterRequestHeaders(s, out, rc); err != nil {
				errs <- err
				return
			}
			if got, want := out.Get("Referer"), "https://www.example.com"+path; got != want {
				errs <- fmt.Errorf("request %d: Referer = %q, want %q", i, got, want)
			}
			if got := out.Get("Host"); got != "www.example.com" {
				errs <- fmt.Errorf("request %d: Host = %q", i, got)
			}
			if got := out.Get("X-Forwarded-For"); got != "127.0.0.1" {
				errs <- fmt.Errorf("request %d: X-Forwarded-For = %q", i, got)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCore_OnComplete_OneRecordPerRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	core := NewCore(testConfig("www.example.com"), logger, nil)

	const n = 150
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := &fakeSession{method: http.MethodPost, uri: fmt.Sprintf("/r/%d", i), status: http.StatusCreated}
			var err error
			if i%3 == 0 {
				s.status = 0
				err = errors.New("dial tcp 10.0.0.5:6677: connect: connection refused")
			}
			core.OnComplete(s, err, core.NewContext())
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != n {
		t.Fatalf("log lines = %d, want %d", len(lines), n)
	}
	seen := make(map[string]bool, n)
	for _, line := range lines {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		if rec["msg"] != "request" || rec["level"] != "INFO" {
			t.Errorf("record = %v, want INFO request", rec)
		}
		if rec["method"] != http.MethodPost {
			t.Errorf("method = %v, want POST", rec["method"])
		}
		uri, _ := rec["uri"].(string)
		seen[uri] = true
		status, _ := rec["status"].(float64)
		if _, failed := rec["err"]; failed && status != 0 {
			t.Errorf("failed request %s logged status %v, want 0", uri, status)
		}
	}
	if len(seen) != n {
		t.Errorf("distinct uris = %d, want %d", len(seen), n)
	}
}

func TestRequestLogger_Log(t *testing.T) {
	var buf bytes.Buffer
	l := NewRequestLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	l.Log(&fakeSession{method: http.MethodGet, uri: "/a?b=c", status: 0}, errors.New("upstream timeout"), nil)

	out := buf.String()
	for _, want := range []string{"msg=request", "method=GET", "status=0", "uri=\"/a?b=c\"", "upstream timeout"} {
		if !strings.Contains(out, want) {
			t.Errorf("log = %q, want it to contain %q", out, want)
		}
	}
	if strings.Contains(out, "duration_ms") {
		t.Errorf("log = %q, want no duration without a request context", out)
	}
}

func TestCore_NewContext_Independent(t *testing.T) {
	core := NewCore(testConfig("www.example.com"), discardLogger(), nil)
	a, b := core.NewContext(), core.NewContext()
	if a == b {
		t.Error("NewContext() returned a shared context")
	}
	if a.Start.IsZero() {
		t.Error("NewContext().Start is zero")
	}
}

var _ model.Session = (*fakeSession)(nil)

func TestCore_FilterRequestHeaders_RecordsRewriteMetrics(t *testing.T) {
	m := metrics.New()
	core := NewCore(testConfig("www.example.com"), discardLogger(), m)

	out := http.Header{"Referer": {"http://localhost/x"}, "Origin": {"https://www.example.com"}}
	s := &fakeSession{method: http.MethodGet, uri: "/x", header: out.Clone()}
	if err := core.FilterRequestHeaders(s, out, core.NewContext()); err != nil {
		t.Fatalf("FilterRequestHeaders() error = %v", err)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	got := make(map[string]float64)
	for _, f := range families {
		if f.GetName() != "vhost_proxy_header_rewrites_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			got[labels["header"]+"/"+labels["action"]] = metric.GetCounter().GetValue()
		}
	}
	if got["Referer/replace"] != 1 {
		t.Errorf("Referer/replace = %v, want 1", got["Referer/replace"])
	}
	if got["Origin/keep"] != 1 {
		t.Errorf("Origin/keep = %v, want 1", got["Origin/keep"])
	}
}
