package service

import (
	"context"
	"maps"
)

// Factory builds a service from its configuration.
type Factory func(ctx context.Context, cfg map[string]any) (Service, error)

// Descriptor declares a service to run. Build it with New or Of; the
// configuration is copied so later changes by the caller are not seen.
type Descriptor struct {
	name    string
	factory Factory
	config  map[string]any
}

// New returns a descriptor that builds its service with factory.
func New(name string, factory Factory, cfg map[string]any) Descriptor {
	return Descriptor{name: name, factory: factory, config: maps.Clone(cfg)}
}

// Of returns a descriptor for an already built service.
func Of(name string, svc Service) Descriptor {
	return Descriptor{
		name: name,
		factory: func(context.Context, map[string]any) (Service, error) {
			return svc, nil
		},
	}
}

// Name returns the declared name, which may be empty.
func (d Descriptor) Name() string { return d.name }

// Config returns a copy of the configuration.
func (d Descriptor) Config() map[string]any { return maps.Clone(d.config) }

func (d Descriptor) build(ctx context.Context) (Service, error) {
	if d.factory == nil {
		return nil, errNoFactory
	}
	return d.factory(ctx, maps.Clone(d.config))
}
