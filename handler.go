/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package settle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blnkfinance/settle/model"
	"golang.org/x/mod/semver"
)

// Handler executes the side effect of a triggered event.
type Handler interface {
	Handle(ctx context.Context, args json.RawMessage) error
	Version() string
}

type handlerFunc struct {
	version string
	fn      func(ctx context.Context, args json.RawMessage) error
}

func (h handlerFunc) Handle(ctx context.Context, args json.RawMessage) error {
	return h.fn(ctx, args)
}

func (h handlerFunc) Version() string {
	return h.version
}

// HandlerFunc adapts a plain function into a Handler of the given version.
func HandlerFunc(version string, fn func(ctx context.Context, args json.RawMessage) error) Handler {
	return handlerFunc{version: version, fn: fn}
}

var ErrDuplicateHandler = errors.New("handler already registered")

// HandlerRegistry maps handler names to handlers. It is filled at startup and
// read concurrently by the dispatchers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

func (r *HandlerRegistry) Register(name string, handler Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("handler name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler %s is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	r.handlers[name] = handler
	return nil
}

// Names lists the registered handler names in order.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the handler named by ref after checking its version
// against the contract recorded on the event.
func (r *HandlerRegistry) Resolve(ref model.HandlerRef) (Handler, error) {
	r.mu.RLock()
	handler, ok := r.handlers[ref.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, ref.Name)
	}
	if err := checkVersion(ref.Match, ref.Version, handler.Version()); err != nil {
		return nil, fmt.Errorf("handler %s: %w", ref.Name, err)
	}
	return handler, nil
}

// checkVersion applies a version contract. recorded is the version stored on
// the event at trigger time, actual the version of the registered handler.
func checkVersion(match model.VersionMatch, recorded, actual string) error {
	switch match {
	case model.MatchExact, "":
		if !sameVersion(recorded, actual) {
			return fmt.Errorf("%w: want exactly %s, have %s", ErrVersionMismatch, recorded, actual)
		}
	case model.MatchNot:
		if sameVersion(recorded, actual) {
			return fmt.Errorf("%w: want anything but %s", ErrVersionMismatch, recorded)
		}
	case model.MatchMinimum:
		r, rok := canonical(recorded)
		a, aok := canonical(actual)
		if !rok || !aok {
			return fmt.Errorf("%w: minimum needs semantic versions, got %q and %q", ErrVersionMismatch, recorded, actual)
		}
		if semver.Compare(a, r) < 0 {
			return fmt.Errorf("%w: want at least %s, have %s", ErrVersionMismatch, recorded, actual)
		}
	default:
		return fmt.Errorf("%w: unknown match policy %q", ErrVersionMismatch, match)
	}
	return nil
}

// sameVersion compares semantically when both sides parse, so "1.2" equals
// "v1.2.0", and falls back to string equality otherwise.
func sameVersion(a, b string) bool {
	ca, aok := canonical(a)
	cb, bok := canonical(b)
	if aok && bok {
		return semver.Compare(ca, cb) == 0
	}
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

func canonical(version string) (string, bool) {
	v := strings.TrimSpace(version)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", false
	}
	return semver.Canonical(v), true
}
