package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "ruleflow/pkg/logx"
)

// nsClient fakes the namespace side of Client; schedule methods are unused.
type nsClient struct {
	mu         sync.Mutex
	namespaces map[string]NamespaceInfo
	registers  int
	describes  int

	describeErr error
	registerErr error
}

func newNSClient() *nsClient {
	return &nsClient{namespaces: map[string]NamespaceInfo{}}
}

func (c *nsClient) Create(context.Context, Spec) (Handle, error) { panic("unused") }
func (c *nsClient) GetHandle(string) Handle                      { panic("unused") }
func (c *nsClient) List(context.Context) ([]ListEntry, error)    { panic("unused") }

func (c *nsClient) DescribeNamespace(_ context.Context, name string) (NamespaceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.describes++
	if c.describeErr != nil {
		return NamespaceInfo{}, c.describeErr
	}
	info, ok := c.namespaces[name]
	if !ok {
		return NamespaceInfo{}, newError(KindNotFound, "describe_namespace", name, errors.New("namespace not found"))
	}
	return info, nil
}

func (c *nsClient) RegisterNamespace(_ context.Context, info NamespaceInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registers++
	if c.registerErr != nil {
		return c.registerErr
	}
	if _, ok := c.namespaces[info.Name]; ok {
		return newError(KindAlreadyExists, "register_namespace", info.Name, errors.New("namespace exists"))
	}
	c.namespaces[info.Name] = info
	return nil
}

func TestNamespaceRetentionPolicy(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		retention time.Duration
	}{
		{"test-scratch", 24 * time.Hour},
		{"notifications", 7 * 24 * time.Hour},
		{"test-", 24 * time.Hour},
		{"production-test", 7 * 24 * time.Hour}, // prefix only, not substring
	}
	for _, tc := range cases {
		info := NamespaceInfoFor(tc.name)
		if info.Retention != tc.retention {
			t.Fatalf("NamespaceInfoFor(%q).Retention = %v, want %v", tc.name, info.Retention, tc.retention)
		}
		if info.Name != tc.name {
			t.Fatalf("NamespaceInfoFor(%q).Name = %q", tc.name, info.Name)
		}
	}
	// Retention in seconds is part of the provisioning contract.
	if got := int(NamespaceInfoFor("test-x").Retention.Seconds()); got != 86400 {
		t.Fatalf("test retention = %ds, want 86400s", got)
	}
	if got := int(NamespaceInfoFor("prod").Retention.Seconds()); got != 604800 {
		t.Fatalf("prod retention = %ds, want 604800s", got)
	}
}

func TestEnsureRegistersMissingNamespace(t *testing.T) {
	t.Parallel()
	c := newNSClient()
	p := NewProvisioner(c, logx.Nop())

	if err := p.Ensure(context.Background(), "test-e2e"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	info, ok := c.namespaces["test-e2e"]
	if !ok {
		t.Fatalf("namespace not registered")
	}
	if info.Retention != 24*time.Hour {
		t.Fatalf("retention = %v, want 24h", info.Retention)
	}
	if c.registers != 1 {
		t.Fatalf("registers = %d, want 1", c.registers)
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	t.Parallel()
	c := newNSClient()
	p := NewProvisioner(c, logx.Nop())

	for i := 0; i < 3; i++ {
		if err := p.Ensure(context.Background(), "notifications"); err != nil {
			t.Fatalf("Ensure #%d: %v", i, err)
		}
	}
	if c.registers != 1 {
		t.Fatalf("registers = %d, want 1", c.registers)
	}
}

func TestEnsureSkipsBlankAndDefault(t *testing.T) {
	t.Parallel()
	c := newNSClient()
	p := NewProvisioner(c, logx.Nop())

	for _, name := range []string{"", "  ", "default"} {
		if err := p.Ensure(context.Background(), name); err != nil {
			t.Fatalf("Ensure(%q): %v", name, err)
		}
	}
	if c.describes != 0 || c.registers != 0 {
		t.Fatalf("expected no calls, got describes=%d registers=%d", c.describes, c.registers)
	}
}

func TestEnsureSurvivesRegisterRace(t *testing.T) {
	t.Parallel()
	c := newNSClient()
	// Another provisioner won between describe and register.
	c.registerErr = newError(KindAlreadyExists, "register_namespace", "shared", errors.New("namespace exists"))
	p := NewProvisioner(c, logx.Nop())

	if err := p.Ensure(context.Background(), "shared"); err != nil {
		t.Fatalf("Ensure after lost race: %v", err)
	}
}

func TestEnsurePropagatesUnexpectedErrors(t *testing.T) {
	t.Parallel()
	c := newNSClient()
	c.describeErr = newError(KindUnavailable, "describe_namespace", "x", errors.New("service down"))
	p := NewProvisioner(c, logx.Nop())

	if err := p.Ensure(context.Background(), "x"); err == nil {
		t.Fatalf("expected describe error to propagate")
	}

	c2 := newNSClient()
	c2.registerErr = newError(KindPermissionDenied, "register_namespace", "y", errors.New("denied"))
	p2 := NewProvisioner(c2, logx.Nop())
	if err := p2.Ensure(context.Background(), "y"); err == nil {
		t.Fatalf("expected register error to propagate")
	}
}

func TestEnsureConcurrent(t *testing.T) {
	t.Parallel()
	c := newNSClient()
	p := NewProvisioner(c, logx.Nop())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.Ensure(context.Background(), "test-race")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Ensure: %v", err)
		}
	}
	if _, ok := c.namespaces["test-race"]; !ok {
		t.Fatalf("namespace missing after concurrent ensures")
	}
}
