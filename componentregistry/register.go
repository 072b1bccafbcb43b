// Package componentregistry registers the built-in source and reaction
// connector factories with a component registry, keyed by their kind tags.
package componentregistry

import (
	"github.com/ruokun-niu/drasi-server/component"
	"github.com/ruokun-niu/drasi-server/errors"
	applicationreaction "github.com/ruokun-niu/drasi-server/reactions/application"
	logreaction "github.com/ruokun-niu/drasi-server/reactions/log"
	"github.com/ruokun-niu/drasi-server/reactions/profiler"
	"github.com/ruokun-niu/drasi-server/reactions/sse"
	"github.com/ruokun-niu/drasi-server/reactions/webhook"
	applicationsource "github.com/ruokun-niu/drasi-server/sources/application"
	"github.com/ruokun-niu/drasi-server/sources/httpsrv"
	"github.com/ruokun-niu/drasi-server/sources/mock"
	"github.com/ruokun-niu/drasi-server/sources/platform"
	"github.com/ruokun-niu/drasi-server/sources/postgres"
)

// Register adds every built-in connector factory:
//
// Sources: postgres (logical replication), http (ingest listener),
// platform (remote Drasi deployment), mock (scripted), application
// (embedding program).
//
// Reactions: http (webhook), sse, log, profiler, application.
func Register(registry *component.Registry) error {
	if registry == nil {
		return errors.WrapFatal(errors.New("registry cannot be nil"),
			"componentregistry", "Register", "registry validation")
	}

	for _, register := range []func(*component.Registry) error{
		mock.Register,
		httpsrv.Register,
		postgres.Register,
		platform.Register,
		applicationsource.Register,
		logreaction.Register,
		webhook.Register,
		sse.Register,
		profiler.Register,
		applicationreaction.Register,
	} {
		if err := register(registry); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry builds a registry with every built-in connector registered.
func NewRegistry() (*component.Registry, error) {
	registry := component.NewRegistry()
	if err := Register(registry); err != nil {
		return nil, err
	}
	return registry, nil
}
