package domain

import "testing"

func TestKey_StringComposesTypeIdentifierEndpoint(t *testing.T) {
	cases := []struct {
		key  Key
		want string
	}{
		{Key{Type: LimitGlobal}, "global"},
		{Key{Type: LimitPerIP, Identifier: "10.0.0.1"}, "per_ip:10.0.0.1"},
		{Key{Type: LimitPerUser, Identifier: "u-123"}, "per_user:u-123"},
		{Key{Type: LimitPerEndpoint, Endpoint: "orders.create"}, "per_endpoint:orders.create"},
	}
	for _, c := range cases {
		if got := c.key.String(); got != c.want {
			t.Fatalf("expected %q, got %q", c.want, got)
		}
	}
}

func TestKey_StringSanitizesHostileComponents(t *testing.T) {
	k := Key{Type: LimitPerUser, Identifier: "u1\r\n{evil}"}
	if got := k.String(); got != "per_user:u1___evil_" {
		t.Fatalf("expected sanitized key, got %q", got)
	}
}

func TestKey_StringTruncatesLongComponents(t *testing.T) {
	id := make([]byte, 300)
	for i := range id {
		id[i] = 'a'
	}
	k := Key{Type: LimitPerUser, Identifier: string(id)}
	if got := k.String(); len(got) > len("per_user:")+100 {
		t.Fatalf("expected component truncated to 100 chars, got len=%d", len(got))
	}
}

func TestLimitType_Valid(t *testing.T) {
	for _, lt := range EvalOrder {
		if !lt.Valid() {
			t.Fatalf("expected %q to be valid", lt)
		}
	}
	if LimitType("per_planet").Valid() {
		t.Fatalf("expected unknown type to be invalid")
	}
}

func TestEvalOrder_GlobalFirst(t *testing.T) {
	if EvalOrder[0] != LimitGlobal {
		t.Fatalf("expected global to be evaluated first, got %q", EvalOrder[0])
	}
	if EvalOrder[len(EvalOrder)-1] != LimitPerEndpoint {
		t.Fatalf("expected per_endpoint last, got %q", EvalOrder[len(EvalOrder)-1])
	}
}
