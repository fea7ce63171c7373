package child

import (
	"github.com/tonyho/genode-barehw-imx6-tz/internal/kernel"
	"github.com/tonyho/genode-barehw-imx6-tz/internal/shared/args"
)

// Policy decides how a child's session requests are routed.
type Policy interface {
	// ResolveSessionRequest returns the service to open the session at,
	// nil if the request is denied.
	ResolveSessionRequest(service, sessionArgs string) kernel.Service
	// FilterSessionArgs rewrites the arguments before they are forwarded.
	FilterSessionArgs(service, sessionArgs string) string
}

// ParentService forwards sessions to a service of the supervisor's
// environment. It holds no reference to the child.
type ParentService struct {
	upstream kernel.Service
}

// NewParentService wraps upstream.
func NewParentService(upstream kernel.Service) *ParentService {
	return &ParentService{upstream: upstream}
}

// Name returns the upstream service name.
func (s *ParentService) Name() string {
	return s.upstream.Name()
}

// Connect opens the session upstream with the arguments unchanged.
func (s *ParentService) Connect(sessionArgs string) (kernel.Session, error) {
	return s.upstream.Connect(sessionArgs)
}

// ForwardingPolicy routes a fixed set of services to the parent and labels
// every forwarded session with the child's label, whatever the child asked
// for.
type ForwardingPolicy struct {
	label    string
	services map[string]kernel.Service
}

// NewForwardingPolicy forwards the given upstream services.
func NewForwardingPolicy(label string, upstream ...kernel.Service) *ForwardingPolicy {
	services := make(map[string]kernel.Service, len(upstream))
	for _, s := range upstream {
		services[s.Name()] = NewParentService(s)
	}
	return &ForwardingPolicy{label: label, services: services}
}

// ResolveSessionRequest implements Policy.
func (p *ForwardingPolicy) ResolveSessionRequest(service, _ string) kernel.Service {
	s, ok := p.services[service]
	if !ok {
		return nil
	}
	return s
}

// FilterSessionArgs implements Policy.
func (p *ForwardingPolicy) FilterSessionArgs(_, sessionArgs string) string {
	return args.Set(sessionArgs, args.Label, p.label)
}
