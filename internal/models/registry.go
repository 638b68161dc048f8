// Package models tracks the models a backend offers and the one selected for
// the next request.
package models

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrUnknownModel is returned by Select for an id outside the listed set
var ErrUnknownModel = errors.New("unknown model")

// Lister is the part of a transport the registry needs
type Lister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// ListerFunc adapts a function to the Lister interface
type ListerFunc func(ctx context.Context) ([]string, error)

func (f ListerFunc) ListModels(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// Registry holds the available models and the current selection
type Registry struct {
	lister       Lister
	defaultModel string
	logger       *slog.Logger

	group singleflight.Group

	mu       sync.RWMutex
	models   []string
	selected string
	explicit bool
	loaded   bool
}

// NewRegistry creates a registry. defaultModel is preselected when the listing
// contains it; it may be empty.
func NewRegistry(lister Lister, defaultModel string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		lister:       lister,
		defaultModel: defaultModel,
		selected:     defaultModel,
		logger:       logger,
	}
}

// Load lists the models once. Later calls return nil without a remote call.
// A failed listing leaves the set empty and is not retried by Load.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	if r.loaded {
		r.mu.Unlock()
		return nil
	}
	r.loaded = true
	r.mu.Unlock()

	return r.Refresh(ctx)
}

// Refresh re-lists the models. Concurrent calls share one remote call.
func (r *Registry) Refresh(ctx context.Context) error {
	_, err, shared := r.group.Do("list", func() (any, error) {
		models, err := r.lister.ListModels(ctx)
		if err != nil {
			return nil, err
		}
		r.update(models)
		return nil, nil
	})
	if err != nil {
		r.logger.Warn("failed to list models", "error", err, "shared", shared)
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

func (r *Registry) update(models []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.models = slices.Clone(models)
	r.loaded = true
	if len(r.models) == 0 {
		return
	}
	if r.explicit {
		if slices.Contains(r.models, r.selected) {
			return
		}
		r.logger.Warn("selected model no longer listed", "model", r.selected)
		r.explicit = false
	}

	switch {
	case slices.Contains(r.models, r.selected):
	case slices.Contains(r.models, r.defaultModel):
		r.selected = r.defaultModel
	default:
		r.selected = r.models[0]
	}
	r.logger.Info("models listed", "count", len(r.models), "selected", r.selected)
}

// Select makes id the model for the next request. With an empty listing any
// id is accepted; otherwise id must be listed.
func (r *Registry) Select(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.models) > 0 && !slices.Contains(r.models, id) {
		return fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	r.selected = id
	r.explicit = true
	return nil
}

// Models returns a copy of the last successful listing
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.models)
}

// Selected returns the model for the next request; "" means no hint
func (r *Registry) Selected() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selected
}
