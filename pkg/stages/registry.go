package stages

import (
	"fmt"

	"github.com/scopeflow/scopeflow/pkg/models"
)

// Registry maps stage keys to their builders. Only the live pipeline stages
// plus Class2D have builders; the remaining enum keys are valid job types
// but are never submitted by the orchestrator.
type Registry struct {
	builders map[models.StageKey]Builder
}

// NewRegistry returns the registry of supported stage builders.
func NewRegistry() *Registry {
	r := &Registry{builders: make(map[models.StageKey]Builder)}
	for _, b := range []Builder{
		importBuilder{},
		motionCorrBuilder{},
		ctfFindBuilder{},
		manualPickBuilder{},
		autoPickBuilder{},
		extractBuilder{},
		class2DBuilder{},
	} {
		r.builders[b.Stage()] = b
	}
	return r
}

// Get returns the builder for a stage.
func (r *Registry) Get(stage models.StageKey) (Builder, error) {
	b, ok := r.builders[stage]
	if !ok {
		return nil, fmt.Errorf("no builder registered for stage %s", stage)
	}
	return b, nil
}

// Supported reports whether a builder exists for the stage.
func (r *Registry) Supported(stage models.StageKey) bool {
	_, ok := r.builders[stage]
	return ok
}
