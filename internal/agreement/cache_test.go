package agreement

import (
	"testing"
	"time"

	"github.com/evident-proof/evident/internal/model"
	"github.com/google/uuid"
)

func TestCache_SetAndGet(t *testing.T) {
	c := newVerifiedCache(time.Minute)
	a := &model.ServiceAgreement{ID: uuid.New(), Name: "acme"}
	k := keyFor(a.ID, "secret")

	c.set(k, a)
	got, ok := c.get(k)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Name != "acme" {
		t.Errorf("name: got %q", got.Name)
	}
	if _, ok := c.get(keyFor(a.ID, "other")); ok {
		t.Error("a different key must miss")
	}
}

func TestCache_Expiry(t *testing.T) {
	c := newVerifiedCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	k := keyFor(uuid.New(), "secret")
	c.set(k, &model.ServiceAgreement{})

	now = now.Add(2 * time.Minute)
	if _, ok := c.get(k); ok {
		t.Error("expected miss after TTL")
	}
	if n := c.evict(); n != 1 {
		t.Errorf("evict: got %d, want 1", n)
	}
	if c.len() != 0 {
		t.Errorf("len after evict: %d", c.len())
	}
}

func TestCache_ZeroTTLDisabled(t *testing.T) {
	c := newVerifiedCache(0)
	k := keyFor(uuid.New(), "secret")
	c.set(k, &model.ServiceAgreement{})
	if c.len() != 0 {
		t.Error("zero TTL must not cache")
	}
}
