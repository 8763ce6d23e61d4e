// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"errors"
	"sort"
	"testing"
)

func TestRegistryRegisterAndBuild(t *testing.T) {
	r := NewRegistry()
	err := r.Register("email", func(p Payload) (Task, error) {
		to, ok := p["to"].(string)
		if !ok {
			return nil, errors.New("missing recipient")
		}
		_ = to
		return TaskFunc(func(ctx context.Context) error { return nil }), nil
	})
	if err != nil {
		t.Fatalf("Register returned %v", err)
	}
	if !r.IsRegistered("email") {
		t.Error("IsRegistered = false, want true")
	}

	task, err := r.Build("email", Payload{"to": "x@example.com"})
	if err != nil {
		t.Fatalf("Build returned %v", err)
	}
	if task == nil {
		t.Fatal("Build returned nil task")
	}

	// The factory sees the payload and may reject it.
	if _, err := r.Build("email", Payload{}); err == nil {
		t.Error("Build succeeded with a bad payload, want factory error")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	f := func(p Payload) (Task, error) { return nil, nil }
	if err := r.Register("a", f); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("a", f); err == nil {
		t.Error("second Register succeeded, want error")
	}
}

func TestRegistryRejectsInvalidInput(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("", func(p Payload) (Task, error) { return nil, nil }); err == nil {
		t.Error("Register with empty type succeeded, want error")
	}
	if err := r.Register("a", nil); err == nil {
		t.Error("Register with nil factory succeeded, want error")
	}
}

func TestRegistryBuildUnknownType(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Build("nope", nil); err == nil {
		t.Error("Build for unknown type succeeded, want error")
	}
}

func TestRegistryTypes(t *testing.T) {
	r := NewRegistry()
	f := func(p Payload) (Task, error) { return nil, nil }
	r.Register("b", f)
	r.Register("a", f)
	types := r.Types()
	sort.Strings(types)
	if have, want := len(types), 2; have != want {
		t.Fatalf("len(Types) = %d, want %d", have, want)
	}
	if types[0] != "a" || types[1] != "b" {
		t.Errorf("Types = %v, want [a b]", types)
	}
}
