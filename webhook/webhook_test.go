package webhook_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vorion/engine/secrets"
	"github.com/vorion/engine/webhook"
)

// fakeMap is an in-process replicated map.
type fakeMap struct {
	mu sync.Mutex
	m  map[string]string
}

func newFakeMap() *fakeMap { return &fakeMap{m: make(map[string]string)} }

func (f *fakeMap) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.m[key]
	return v, ok
}

func (f *fakeMap) Set(_ context.Context, key, value string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.m[key]
	f.m[key] = value
	return prev, nil
}

func (f *fakeMap) Delete(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.m[key]
	delete(f.m, key)
	return prev, nil
}

func (f *fakeMap) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.m))
	for k := range f.m {
		keys = append(keys, k)
	}
	return keys
}

func staticLookup(ips ...string) webhook.LookupFunc {
	return func(context.Context, string) ([]net.IP, error) {
		out := make([]net.IP, len(ips))
		for i, s := range ips {
			out[i] = net.ParseIP(s)
		}
		return out, nil
	}
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"event":"intent.approved"}`)
	ts := "1700000000"
	sig := webhook.Sign("whsec_test", ts, body)
	require.Contains(t, sig, "v1=")

	now := time.Unix(1700000100, 0)
	require.NoError(t, webhook.VerifySignature("whsec_test", ts, body, sig, now))

	// Wrong secret, tampered body, stale timestamp all fail.
	require.Error(t, webhook.VerifySignature("other", ts, body, sig, now))
	require.Error(t, webhook.VerifySignature("whsec_test", ts, []byte(`{}`), sig, now))
	require.Error(t, webhook.VerifySignature("whsec_test", ts, body, sig, time.Unix(1700000000+400, 0)))
	require.Error(t, webhook.VerifySignature("whsec_test", ts, body, "v2=abc", now))
}

func TestGuardValidateURL(t *testing.T) {
	ctx := context.Background()

	g := webhook.NewGuard(true)
	g.SetLookup(staticLookup("93.184.216.34"))

	pinned, err := g.ValidateURL(ctx, "https://hooks.example.com/intents")
	require.NoError(t, err)
	require.Equal(t, []string{"93.184.216.34"}, pinned)

	_, err = g.ValidateURL(ctx, "http://hooks.example.com/intents")
	require.Error(t, err, "plain http rejected in production")
	_, err = g.ValidateURL(ctx, "https://hooks.example.com:6379/x")
	require.Error(t, err, "redis port blocked")
	_, err = g.ValidateURL(ctx, "https://vault.prod.internal/hook")
	require.Error(t, err, "internal zone blocked")
	_, err = g.ValidateURL(ctx, "https://localhost/hook")
	require.Error(t, err, "loopback blocked in production")

	g.SetLookup(staticLookup("10.0.0.8"))
	_, err = g.ValidateURL(ctx, "https://sneaky.example.com/hook")
	require.Error(t, err, "private resolution blocked")

	g.SetLookup(staticLookup("169.254.169.254"))
	_, err = g.ValidateURL(ctx, "https://metadata.example.com/hook")
	require.Error(t, err, "link-local resolution blocked")

	dev := webhook.NewGuard(false)
	pinned, err = dev.ValidateURL(ctx, "http://localhost:8089/hook")
	require.NoError(t, err, "loopback http allowed outside production")
	require.Equal(t, []string{"127.0.0.1"}, pinned)
}

func TestGuardDialAddrPinning(t *testing.T) {
	ctx := context.Background()
	g := webhook.NewGuard(true)

	g.SetLookup(staticLookup("93.184.216.34", "93.184.216.35"))
	addr, err := g.DialAddr(ctx, "hooks.example.com", []string{"93.184.216.35"}, false)
	require.NoError(t, err)
	require.Equal(t, "93.184.216.35", addr)

	// Resolution moved entirely off the pin.
	g.SetLookup(staticLookup("198.51.100.7"))
	_, err = g.DialAddr(ctx, "hooks.example.com", []string{"93.184.216.35"}, false)
	require.Error(t, err)

	// The escape hatch accepts the new address as long as it is safe.
	addr, err = g.DialAddr(ctx, "hooks.example.com", []string{"93.184.216.35"}, true)
	require.NoError(t, err)
	require.Equal(t, "198.51.100.7", addr)

	// A rebind to an internal address fails even with the escape hatch.
	g.SetLookup(staticLookup("192.168.1.10"))
	_, err = g.DialAddr(ctx, "hooks.example.com", []string{"93.184.216.35"}, true)
	require.Error(t, err)
}

func TestSubscriptionsLifecycle(t *testing.T) {
	ctx := context.Background()
	g := webhook.NewGuard(true)
	g.SetLookup(staticLookup("93.184.216.34"))
	cipher, err := secrets.NewCipher("6368616e676520746869732070617373776f726420746f206120736563726574")
	require.NoError(t, err)
	subs := webhook.NewSubscriptions(newFakeMap(), g, cipher)

	sub, err := subs.Register(ctx, "acme", webhook.RegisterParams{
		URL:    "https://hooks.example.com/intents",
		Secret: "whsec_abc",
		Events: []string{"intent.approved"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, sub.ID)
	require.NotEqual(t, "whsec_abc", sub.Secret, "secret sealed at rest")

	secret, err := subs.SecretFor(sub)
	require.NoError(t, err)
	require.Equal(t, "whsec_abc", secret)

	got, err := subs.Get("acme", sub.ID)
	require.NoError(t, err)
	require.Equal(t, sub.URL, got.URL)

	all, err := subs.Register(ctx, "acme", webhook.RegisterParams{
		URL:    "https://hooks.example.com/all",
		Secret: "whsec_all",
	})
	require.NoError(t, err)

	matched, err := subs.ForEvent("acme", "intent.approved")
	require.NoError(t, err)
	require.Len(t, matched, 2)
	matched, err = subs.ForEvent("acme", "intent.denied")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	require.Equal(t, all.ID, matched[0].ID)

	// Other tenants see nothing.
	matched, err = subs.ForEvent("globex", "intent.approved")
	require.NoError(t, err)
	require.Empty(t, matched)

	require.NoError(t, subs.Unregister(ctx, "acme", sub.ID))
	require.Error(t, subs.Unregister(ctx, "acme", sub.ID))
	list, err := subs.List("acme")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestRegisterRejectsBadEndpoints(t *testing.T) {
	ctx := context.Background()
	g := webhook.NewGuard(true)
	g.SetLookup(staticLookup("93.184.216.34"))
	subs := webhook.NewSubscriptions(newFakeMap(), g, nil)

	_, err := subs.Register(ctx, "acme", webhook.RegisterParams{URL: "http://hooks.example.com/x", Secret: "s"})
	require.Error(t, err)
	_, err = subs.Register(ctx, "acme", webhook.RegisterParams{URL: "https://hooks.example.com/x"})
	require.Error(t, err, "secret required")
	_, err = subs.Register(ctx, "", webhook.RegisterParams{URL: "https://hooks.example.com/x", Secret: "s"})
	require.Error(t, err)
}
