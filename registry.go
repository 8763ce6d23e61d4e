// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"fmt"
	"sync"
)

// Factory builds an executable Task from a persisted payload. Factories
// are registered per job type at startup and are how jobs are rehydrated
// after a restart or a dead letter replay.
type Factory func(payload Payload) (Task, error)

// Registry maps job type strings to factories. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register registers a factory for the given job type. Registering the
// same type twice is an error.
func (r *Registry) Register(jobType string, f Factory) error {
	if jobType == "" {
		return fmt.Errorf("taskqueue: no job type specified")
	}
	if f == nil {
		return fmt.Errorf("taskqueue: nil factory for job type %s", jobType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.factories[jobType]; found {
		return fmt.Errorf("taskqueue: job type %s already registered", jobType)
	}
	r.factories[jobType] = f
	return nil
}

// Build constructs a Task for the given job type and payload.
func (r *Registry) Build(jobType string, payload Payload) (Task, error) {
	r.mu.RLock()
	f, found := r.factories[jobType]
	r.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("taskqueue: unknown job type %s", jobType)
	}
	return f(payload)
}

// IsRegistered reports whether a factory exists for the job type.
func (r *Registry) IsRegistered(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, found := r.factories[jobType]
	return found
}

// Types returns all registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}
