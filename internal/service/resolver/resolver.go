// Package resolver computes the target formats shared by a batch of files.
package resolver

import (
	"uniconvert/internal/formats"
	"uniconvert/internal/models"
)

type Resolver struct {
	registry *formats.Registry
}

func New(registry *formats.Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve intersects the valid targets of every kind. No kinds yields an
// empty set; a single kind yields its own targets.
func (r *Resolver) Resolve(kinds ...formats.Kind) formats.Set {
	if len(kinds) == 0 {
		return formats.Set{}
	}
	common := r.registry.ValidTargets(kinds[0].Type, kinds[0].Format)
	for _, k := range kinds[1:] {
		if common.Len() == 0 {
			break
		}
		common = common.Intersect(r.registry.ValidTargets(k.Type, k.Format))
	}
	return common
}

// ResolveRecords is Resolve over stored file records.
func (r *Resolver) ResolveRecords(records []models.FileRecord) formats.Set {
	kinds := make([]formats.Kind, len(records))
	for i, rec := range records {
		kinds[i] = rec.Kind
	}
	return r.Resolve(kinds...)
}
