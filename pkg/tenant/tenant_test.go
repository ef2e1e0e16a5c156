package tenant

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestSchemaName(t *testing.T) {
	if got := SchemaName("acme"); got != "tenant_acme" {
		t.Errorf("SchemaName() = %q, want %q", got, "tenant_acme")
	}
}

func TestKeyPrefix(t *testing.T) {
	if got := KeyPrefix("acme"); got != "t:acme:" {
		t.Errorf("KeyPrefix() = %q, want %q", got, "t:acme:")
	}
}

func TestContextRoundTrip(t *testing.T) {
	info := &Info{ID: uuid.New(), Name: "Acme", Slug: "acme", Schema: "tenant_acme"}
	ctx := NewContext(context.Background(), info)

	got := FromContext(ctx)
	if got == nil {
		t.Fatal("FromContext() = nil, want info")
	}
	if got.Slug != "acme" {
		t.Errorf("Slug = %q, want %q", got.Slug, "acme")
	}
}

func TestFromContextEmpty(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() on empty context = %v, want nil", got)
	}
}
