package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

const rulesYAML = `
default:
  capacity: 100
  window: 1m
types:
  per_ip:
    default: {capacity: 20, window: 1m, burst: 5}
    penalty: {threshold: 10, window: 5m, duration: 15m}
  per_endpoint:
    default: {capacity: 50, window: 1m}
    endpoints:
      "POST /login": {capacity: 5, window: 1m}
    patterns:
      - match: "GET /reports/*"
        rule: {capacity: 10, window: 1m}
`

func loadedRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := r.LoadBytes([]byte(rulesYAML)); err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	return r
}

func TestRegistryLookupPrecedence(t *testing.T) {
	r := loadedRegistry(t)

	tests := []struct {
		name     string
		limit    domain.LimitType
		endpoint string
		capacity int
		burst    int
	}{
		{"exact endpoint wins", domain.LimitPerEndpoint, "POST /login", 5, 0},
		{"pattern when no exact match", domain.LimitPerEndpoint, "GET /reports/daily", 10, 0},
		{"type default when no pattern", domain.LimitPerEndpoint, "GET /health", 50, 0},
		{"type default without endpoint", domain.LimitPerIP, "", 20, 5},
		{"global fallback for unconfigured type", domain.LimitPerUser, "", 100, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rule, ok := r.Lookup(tc.limit, tc.endpoint)
			if !ok {
				t.Fatalf("Lookup(%s, %q): no rule", tc.limit, tc.endpoint)
			}
			if rule.Capacity != tc.capacity || rule.Burst != tc.burst {
				t.Fatalf("Lookup(%s, %q) = cap %d burst %d, want cap %d burst %d",
					tc.limit, tc.endpoint, rule.Capacity, rule.Burst, tc.capacity, tc.burst)
			}
			if rule.Type != tc.limit {
				t.Fatalf("resolved rule must carry the looked-up type, got %q", rule.Type)
			}
		})
	}
}

func TestRegistryPenalty(t *testing.T) {
	r := loadedRegistry(t)

	pen := r.Penalty(domain.LimitPerIP)
	if !pen.Enabled() {
		t.Fatalf("expected per_ip penalty enabled, got %+v", pen)
	}
	if pen.Threshold != 10 || pen.Window != 5*time.Minute || pen.Duration != 15*time.Minute {
		t.Fatalf("unexpected penalty: %+v", pen)
	}

	if r.Penalty(domain.LimitPerUser).Enabled() {
		t.Fatalf("per_user has no penalty configured")
	}
}

func TestRegistryNoGlobalDefault(t *testing.T) {
	r, err := NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := r.LoadBytes([]byte("types:\n  per_ip:\n    default: {capacity: 1, window: 1s}\n")); err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if _, ok := r.Lookup(domain.LimitPerUser, ""); ok {
		t.Fatalf("dimension without rule and without global default must not resolve")
	}
	if _, ok := r.Lookup(domain.LimitPerIP, ""); !ok {
		t.Fatalf("configured dimension must resolve")
	}
}

func TestRegistryRejectsInvalidRules(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad window", "default: {capacity: 10, window: nope}\n"},
		{"unknown limit type", "types:\n  per_tenant:\n    default: {capacity: 1, window: 1s}\n"},
		{"negative capacity", "default: {capacity: -1, window: 1s}\n"},
		{"bad pattern", "types:\n  per_endpoint:\n    patterns:\n      - match: \"[\"\n        rule: {capacity: 1, window: 1s}\n"},
		{"penalty without duration", "types:\n  per_ip:\n    penalty: {threshold: 3, window: 1m}\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, err := NewRegistry("")
			if err != nil {
				t.Fatalf("NewRegistry: %v", err)
			}
			if err := r.LoadBytes([]byte(tc.body)); err == nil {
				t.Fatalf("expected %s to be rejected", tc.name)
			}
		})
	}
}

func TestRegistryInvalidReloadKeepsSnapshot(t *testing.T) {
	r := loadedRegistry(t)

	if err := r.LoadBytes([]byte("default: {capacity: 10, window: broken}\n")); err == nil {
		t.Fatalf("expected invalid reload to fail")
	}

	// snapshot anterior continua valendo
	rule, ok := r.Lookup(domain.LimitPerIP, "")
	if !ok || rule.Capacity != 20 {
		t.Fatalf("previous snapshot lost after failed reload: %+v ok=%v", rule, ok)
	}
}

func TestRegistryReloadFromFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(file, []byte("default: {capacity: 10, window: 1m}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r, err := NewRegistry(file)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if rule, _ := r.Lookup(domain.LimitGlobal, ""); rule.Capacity != 10 {
		t.Fatalf("expected capacity 10, got %d", rule.Capacity)
	}

	if err := os.WriteFile(file, []byte("default: {capacity: 42, window: 1m}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if rule, _ := r.Lookup(domain.LimitGlobal, ""); rule.Capacity != 42 {
		t.Fatalf("expected capacity 42 after reload, got %d", rule.Capacity)
	}
}

func TestRegistryMissingFile(t *testing.T) {
	if _, err := NewRegistry(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing rules file")
	}
}

func TestSplitOverrideKey(t *testing.T) {
	tests := []struct {
		in       string
		limit    domain.LimitType
		endpoint string
	}{
		{"per_ip", domain.LimitPerIP, ""},
		{"per_endpoint:POST /login", domain.LimitPerEndpoint, "POST /login"},
		{"per_endpoint:GET /a:b", domain.LimitPerEndpoint, "GET /a:b"},
	}
	for _, tc := range tests {
		limit, endpoint := splitOverrideKey(tc.in)
		if limit != tc.limit || endpoint != tc.endpoint {
			t.Errorf("splitOverrideKey(%q) = (%q, %q), want (%q, %q)", tc.in, limit, endpoint, tc.limit, tc.endpoint)
		}
	}
}

func TestOverrideKeyRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		limit    domain.LimitType
		endpoint string
	}{
		{domain.LimitPerIP, ""},
		{domain.LimitPerEndpoint, "POST /orders"},
	} {
		limit, endpoint := splitOverrideKey(overrideKey(tc.limit, tc.endpoint))
		if limit != tc.limit || endpoint != tc.endpoint {
			t.Errorf("round trip (%q, %q) came back as (%q, %q)", tc.limit, tc.endpoint, limit, endpoint)
		}
	}
}
