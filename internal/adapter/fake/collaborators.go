package fake

import (
	"context"
	"maps"
	"strings"

	"drydock/internal/adapter/fake/fault"
	"drydock/internal/deploy"
)

const (
	FaultDNSUpdate        = "dns.UpdateDNS"
	FaultLinksBind        = "links.BindLinks"
	FaultTemplatesPersist = "templates.PersistTemplates"
	FaultSnapshotsTake    = "snapshots.TakeSnapshot"
	FaultInterpolate      = "interpolator.Interpolate"
)

var (
	_ deploy.DNSUpdater         = (*Collaborators)(nil)
	_ deploy.LinksManager       = (*Collaborators)(nil)
	_ deploy.TemplatePersister  = (*Collaborators)(nil)
	_ deploy.SnapshotManager    = (*Collaborators)(nil)
	_ deploy.ConfigInterpolator = (*Collaborators)(nil)
)

// Collaborators fakes the director services an update touches besides the
// cloud and agent: DNS, links, templates, snapshots and the config server.
type Collaborators struct {
	CallRecorder
	Timeline *Timeline
	faults   *fault.Injector

	// Variables resolves "((name))" placeholders during Interpolate.
	Variables map[string]any
}

func NewCollaborators(faults *fault.Injector) *Collaborators {
	if faults == nil {
		faults = fault.NewInjector()
	}
	return &Collaborators{faults: faults}
}

func (c *Collaborators) call(component, method string, args ...any) error {
	c.record(method, args...)
	c.Timeline.note(component, method, args...)
	return c.faults.Eval(component+"."+method, args...)
}

func (c *Collaborators) UpdateDNS(_ context.Context, inst *deploy.Instance, records []deploy.DNSRecord) error {
	return c.call("dns", "UpdateDNS", inst.Name(), records)
}

func (c *Collaborators) BindLinks(_ context.Context, inst *deploy.Instance) error {
	return c.call("links", "BindLinks", inst.Name())
}

func (c *Collaborators) PersistTemplates(_ context.Context, plan *deploy.InstancePlan) error {
	return c.call("templates", "PersistTemplates", plan.Instance.Name())
}

func (c *Collaborators) TakeSnapshot(_ context.Context, inst *deploy.Instance, clean bool) error {
	return c.call("snapshots", "TakeSnapshot", inst.Name(), clean)
}

func (c *Collaborators) Interpolate(_ context.Context, props map[string]any) (map[string]any, error) {
	if err := c.call("interpolator", "Interpolate"); err != nil {
		return nil, err
	}
	out := maps.Clone(props)
	for k, v := range out {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, "((") || !strings.HasSuffix(s, "))") {
			continue
		}
		if resolved, ok := c.Variables[strings.TrimSuffix(strings.TrimPrefix(s, "(("), "))")]; ok {
			out[k] = resolved
		}
	}
	return out, nil
}
