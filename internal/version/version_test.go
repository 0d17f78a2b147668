package version

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime/debug"
	"strings"
	"testing"
)

func withLinkerValues(t *testing.T, v, c, d string) {
	t.Helper()
	oldV, oldC, oldD := version, commit, date
	version, commit, date = v, c, d
	t.Cleanup(func() { version, commit, date = oldV, oldC, oldD })
}

func TestResolve_LinkerValuesWin(t *testing.T) {
	withLinkerValues(t, "v1.4.0", "0123456789abcdef0123", "2026-09-01")
	info := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "ffffffffffff"},
		{Key: "vcs.time", Value: "2020-01-01T00:00:00Z"},
	}}

	b := resolve(info)
	if b.Version != "v1.4.0" || b.Commit != "0123456789abcdef0123" || b.Date != "2026-09-01" {
		t.Fatalf("unexpected build: %+v", b)
	}
	if b.Short() != "0123456789ab" {
		t.Errorf("unexpected short commit %q", b.Short())
	}
	if b.GoVersion == "" {
		t.Error("go version should be filled")
	}
}

func TestResolve_FallsBackToVCS(t *testing.T) {
	withLinkerValues(t, "dev", "", "")
	info := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "abc123"},
		{Key: "vcs.time", Value: "2026-08-30T10:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	}}

	b := resolve(info)
	if b.Commit != "abc123" || b.Date != "2026-08-30T10:00:00Z" || !b.Dirty {
		t.Fatalf("unexpected build: %+v", b)
	}
	if got := b.String(); got != "dev (abc123, 2026-08-30T10:00:00Z) dirty" {
		t.Errorf("unexpected string %q", got)
	}
}

func TestResolve_NoBuildInfo(t *testing.T) {
	withLinkerValues(t, "dev", "", "")

	b := resolve(nil)
	if b.Commit != "unknown" || b.Date != "unknown" {
		t.Fatalf("unexpected build: %+v", b)
	}
}

func TestString(t *testing.T) {
	s := String()
	if !strings.HasPrefix(s, version+" (") {
		t.Errorf("unexpected version string %q", s)
	}
}

func TestHandler(t *testing.T) {
	w := httptest.NewRecorder()
	Handler(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var b Build
	if err := json.NewDecoder(w.Body).Decode(&b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.Version != version || b.GoVersion == "" {
		t.Errorf("unexpected build: %+v", b)
	}
}
