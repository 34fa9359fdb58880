// Package runtimes registers the built-in runtime adapters.
package runtimes

import (
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/objectstore"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/runtimes/container"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/runtimes/job"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/runtimes/pipeline"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/runtimes/quality"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/runtimes/transform"
)

// Backends carries the clients shared by the adapters. Any of them may be
// nil: the runtimes stay registered and reject validation until a client
// is configured.
type Backends struct {
	Docker    container.Backend
	Kube      job.Backend
	Store     objectstore.Store
	Target    *transform.Target
	Inspector transform.Inspector
	Evaluator pipeline.Evaluator
}

// RegisterDefaults registers every built-in runtime on reg.
func RegisterDefaults(reg *engine.Registry, b Backends) error {
	factories := []struct {
		kind    string
		factory engine.AdapterFactory
	}{
		{container.Runtime, container.Factory(b.Docker, b.Store)},
		{job.Runtime, job.Factory(b.Kube, b.Store)},
		{pipeline.Runtime, pipeline.Factory(b.Kube, b.Store, b.Evaluator)},
		{transform.Runtime, transform.Factory(b.Kube, b.Target, b.Inspector)},
		{quality.Runtime, quality.Factory(b.Docker, b.Store)},
	}
	for _, f := range factories {
		if err := reg.Register(f.kind, f.factory); err != nil {
			return err
		}
	}
	return nil
}
