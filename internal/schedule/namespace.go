package schedule

import (
	"context"
	"strings"
	"time"

	logx "ruleflow/pkg/logx"
)

// Namespaces with this prefix are treated as throwaway test partitions and
// get short retention.
const TestNamespacePrefix = "test-"

const (
	testRetention = 24 * time.Hour
	prodRetention = 7 * 24 * time.Hour

	testDescription = "temporary test namespace"
	prodDescription = "ruleflow notification schedules"
)

// Provisioner idempotently ensures a namespace exists before first use.
type Provisioner struct {
	client Client
	log    logx.Logger
}

func NewProvisioner(client Client, log logx.Logger) *Provisioner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Provisioner{client: client, log: log}
}

// NamespaceInfoFor selects retention and description by naming convention.
func NamespaceInfoFor(name string) NamespaceInfo {
	if strings.HasPrefix(name, TestNamespacePrefix) {
		return NamespaceInfo{Name: name, Retention: testRetention, Description: testDescription}
	}
	return NamespaceInfo{Name: name, Retention: prodRetention, Description: prodDescription}
}

// Ensure makes the namespace exist. It is a no-op for a blank or "default"
// name. Losing a register race to a concurrent provisioner counts as
// success; any other error from describe or register is fatal.
func (p *Provisioner) Ensure(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" || name == "default" {
		return nil
	}

	_, err := p.client.DescribeNamespace(ctx, name)
	if err == nil {
		p.log.Debug("namespace present", logx.String("namespace", name))
		return nil
	}
	if !IsNotFound(err) {
		return err
	}

	info := NamespaceInfoFor(name)
	if err := p.client.RegisterNamespace(ctx, info); err != nil {
		if IsAlreadyExists(err) {
			// Lost the race to a concurrent provisioner; the namespace exists.
			p.log.Warn("namespace registered concurrently", logx.String("namespace", name))
			return nil
		}
		return err
	}
	p.log.Info("namespace registered",
		logx.String("namespace", name),
		logx.Duration("retention", info.Retention))
	return nil
}
