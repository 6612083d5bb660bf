package introspect

import "testing"

func TestUnqualifyStripsSchemaPrefix(t *testing.T) {
	if got := unqualify("public.users"); got != "users" {
		t.Fatalf("expected users, got %q", got)
	}
}

func TestUnqualifyLeavesBareNameUnchanged(t *testing.T) {
	if got := unqualify("users"); got != "users" {
		t.Fatalf("expected users, got %q", got)
	}
}

func TestUnqualifyHandlesQuotedSchemaWithEmbeddedDot(t *testing.T) {
	// regclass::text quotes identifiers that need it; the schema
	// separator is still the last unquoted dot pg_catalog emits.
	if got := unqualify(`"my.schema".users`); got != "users" {
		t.Fatalf("expected users, got %q", got)
	}
}
