// Package framework provides the shared service layer contract for arbor
// service packages: lifecycle management, service metadata, and the module
// interface the process host composes.
package framework

import (
	"context"
	"sync/atomic"

	core "github.com/arborlabs/arbor/system/framework/core"
)

// ServiceModule is the common contract every service must implement.
type ServiceModule interface {
	// Name returns the unique service identifier.
	Name() string

	// Start initializes the service.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the service.
	Stop(ctx context.Context) error

	// Ready returns nil when the service is ready to handle requests.
	Ready(ctx context.Context) error

	// Descriptor advertises the service for system discovery.
	Descriptor() Descriptor
}

// Manifest describes a service for system discovery and composition.
type Manifest struct {
	Name         string
	Domain       string
	Description  string
	Layer        string
	DependsOn    []string
	Capabilities []string
}

// Descriptor is the flattened, read-only advertisement of a service.
type Descriptor struct {
	Name         string
	Domain       string
	Description  string
	Layer        string
	Capabilities []string
}

// ToDescriptor flattens the manifest for discovery.
func (m *Manifest) ToDescriptor() Descriptor {
	return Descriptor{
		Name:         m.Name,
		Domain:       m.Domain,
		Description:  m.Description,
		Layer:        m.Layer,
		Capabilities: append([]string(nil), m.Capabilities...),
	}
}

// ServiceBase provides default lifecycle handling for service packages.
// Embed it and override Start/Stop when the service owns resources.
type ServiceBase struct {
	name    string
	running atomic.Bool
}

// SetName records the service name used in readiness errors.
func (b *ServiceBase) SetName(name string) { b.name = name }

// Start marks the service as running.
func (b *ServiceBase) Start(ctx context.Context) error {
	b.running.Store(true)
	return nil
}

// Stop marks the service as stopped.
func (b *ServiceBase) Stop(ctx context.Context) error {
	b.running.Store(false)
	return nil
}

// Ready returns nil while the service is running.
func (b *ServiceBase) Ready(ctx context.Context) error {
	if !b.running.Load() {
		return core.WrapServiceError(b.name, "Ready", core.ErrServiceUnavailable)
	}
	return nil
}
