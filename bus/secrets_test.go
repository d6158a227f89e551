package bus

import (
	"context"
	"testing"

	"github.com/agentfabric/agentfabric/core"
	"github.com/agentfabric/agentfabric/ratelimit"
	"github.com/agentfabric/agentfabric/registry"
)

func newSecretsBusWith(provider *fakeSecrets) *SecretsBus {
	reg := registry.NewServiceRegistry(nil)
	reg.RegisterGlobal(core.ServiceTypeSecrets, provider, core.PriorityNormal, provider.GetCapabilities(), nil)
	return NewSecretsBus(reg, ratelimit.NewInMemoryRateLimiter(), testBusConfig(), &core.NoOpLogger{})
}

func TestProcessIncomingTextRateLimit(t *testing.T) {
	provider := &fakeSecrets{}
	sb := newSecretsBusWith(provider)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		res := sb.ProcessIncomingText(ctx, "h1", "text with key")
		if res.Status != core.StatusOK {
			t.Fatalf("call %d unexpectedly not ok: %+v", i+1, res)
		}
		if res.Text != "[filtered]" {
			t.Fatalf("expected filtered text, got %q", res.Text)
		}
	}

	res := sb.ProcessIncomingText(ctx, "h1", "original input")
	if res.Status != core.StatusDenied {
		t.Fatalf("call 101 must be denied, got %s", res.Status)
	}
	if res.Text != "original input" {
		t.Fatalf("denied call must return the original text, got %q", res.Text)
	}
	if len(res.References) != 0 {
		t.Fatal("denied call must return no references")
	}
	if provider.callCount() != 100 {
		t.Fatalf("provider must not be reached on denial, got %d calls", provider.callCount())
	}
}

func TestRateLimitIsPerHandler(t *testing.T) {
	provider := &fakeSecrets{}
	sb := newSecretsBusWith(provider)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		sb.ProcessIncomingText(ctx, "h1", "x")
	}
	if res := sb.ProcessIncomingText(ctx, "h1", "x"); res.Status != core.StatusDenied {
		t.Fatal("h1 must be exhausted")
	}
	if res := sb.ProcessIncomingText(ctx, "h2", "x"); res.Status != core.StatusOK {
		t.Fatal("h2 must have its own window")
	}
}

func TestRecallSecretRateLimit(t *testing.T) {
	provider := &fakeSecrets{}
	sb := newSecretsBusWith(provider)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		value, status := sb.RecallSecret(ctx, "h1", "s-1", true)
		if status != core.StatusOK || value == nil {
			t.Fatalf("call %d unexpectedly failed: %s", i+1, status)
		}
	}

	value, status := sb.RecallSecret(ctx, "h1", "s-1", true)
	if status != core.StatusDenied {
		t.Fatalf("call 51 must be denied, got %s", status)
	}
	if value != nil {
		t.Fatal("denied recall must return nil")
	}
}

func TestDecapsulateDeniedReturnsParamsUntouched(t *testing.T) {
	provider := &fakeSecrets{}
	sb := newSecretsBusWith(provider)
	ctx := context.Background()

	params := map[string]interface{}{"token": "ref://s-1"}
	for i := 0; i < 30; i++ {
		sb.DecapsulateSecretsInParameters(ctx, "h1", params)
	}
	out, status := sb.DecapsulateSecretsInParameters(ctx, "h1", params)
	if status != core.StatusDenied {
		t.Fatalf("call 31 must be denied, got %s", status)
	}
	if out["token"] != "ref://s-1" {
		t.Fatal("denied decapsulation must return the parameters untouched")
	}
}

func TestSecretsNoProvider(t *testing.T) {
	reg := registry.NewServiceRegistry(nil)
	sb := NewSecretsBus(reg, ratelimit.NewInMemoryRateLimiter(), testBusConfig(), &core.NoOpLogger{})

	res := sb.ProcessIncomingText(context.Background(), "h1", "text")
	if res.Status != core.StatusError {
		t.Fatalf("expected error status without a provider, got %s", res.Status)
	}
	if res.Text != "text" {
		t.Fatal("text must pass through unchanged when no provider is registered")
	}
}
