// Package capi is the embedding ABI of spec §6: a small stable surface
// an embedder links against instead of reaching into internal/vm or
// internal/luart directly, grounded in the teacher's own pattern of
// keeping cmd/sentra's commands talking to vmregister/compregister
// through a handful of entry points rather than internal state.
package capi

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/moonquakes/moonquakes/internal/compiler"
	"github.com/moonquakes/moonquakes/internal/luaerr"
	"github.com/moonquakes/moonquakes/internal/luart"
	"github.com/moonquakes/moonquakes/internal/stdlib"
	"github.com/moonquakes/moonquakes/internal/vm"
)

// Status is the fixed small enum of spec §6's embedding ABI, values
// chosen to match the reference C API's status codes exactly so an
// embedder's existing switch-on-status code ports unchanged.
type Status int

const (
	StatusOK          Status = 0
	StatusYield       Status = 1
	StatusRuntimeErr  Status = 2
	StatusSyntaxErr   Status = 3
	StatusMemoryErr   Status = 4
	StatusErrInHandler Status = 5
	StatusFileErr     Status = 6
)

// State is one opaque embedding handle around a Runtime, identified by
// a collision-free registry key the same way the teacher's
// ConcurrencyModule/ModuleObj bookkeeping mints handle IDs with
// google/uuid.
type State struct {
	id uuid.UUID
	rt *luart.Runtime

	mu  sync.Mutex
	top []luart.Value // the embedder-visible value stack, spec §6's get_top/set_top surface
}

var (
	registryMu sync.Mutex
	registry   = map[uuid.UUID]*State{}
)

// NewState implements new_state(): allocates a Runtime with the
// standard library installed and registers it under a fresh UUID.
func NewState() *State {
	rt := luart.NewRuntime()
	stdlib.Open(rt)
	s := &State{id: uuid.New(), rt: rt}
	registryMu.Lock()
	registry[s.id] = s
	registryMu.Unlock()
	return s
}

// ID returns the opaque handle an embedder can pass across an ABI
// boundary (e.g. cgo) instead of a raw pointer.
func (s *State) ID() string { return s.id.String() }

// Close implements close(): releases the state from the process-wide
// registry. The underlying Runtime and its heap become eligible for
// Go's own GC once nothing else references them.
func (s *State) Close() error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[s.id]; !ok {
		return fmt.Errorf("capi: state %s already closed", s.id)
	}
	delete(registry, s.id)
	return nil
}

// Lookup implements resolving an opaque handle string back to a State,
// the embedding-side mirror of the registry lookup the teacher's
// module system performs by name instead of by UUID.
func Lookup(id string) (*State, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("capi: invalid state handle %q: %w", id, err)
	}
	registryMu.Lock()
	s, ok := registry[u]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("capi: unknown state handle %q", id)
	}
	return s, nil
}

// GCCollect implements gc_collect(): runs a full mark-sweep cycle now.
func (s *State) GCCollect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rt.Heap.Collect()
}

// GetTop implements get_top(): the embedder's value-stack depth.
func (s *State) GetTop() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.top)
}

// SetTop implements set_top(n): truncates or nil-extends the
// embedder's value stack to exactly n entries.
func (s *State) SetTop(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		return fmt.Errorf("capi: negative top %d", n)
	}
	switch {
	case n <= len(s.top):
		s.top = s.top[:n]
	default:
		for len(s.top) < n {
			s.top = append(s.top, luart.Nil)
		}
	}
	return nil
}

// Push appends a value to the embedder's value stack.
func (s *State) Push(v luart.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.top = append(s.top, v)
}

// DoString compiles and runs source as a chunk named chunkName on the
// state's main thread, returning its results and a Status classifying
// any failure the way the reference ABI's lua_pcall return code does.
func (s *State) DoString(source, chunkName string) ([]luart.Value, Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proto, err := compiler.Compile(source, chunkName, s.rt.Heap)
	if err != nil {
		return nil, StatusSyntaxErr, err
	}
	cl := s.rt.Heap.NewMainClosure(proto, luart.FromTable(s.rt.Globals))
	results, err := vm.Call(s.rt, s.rt.Main, luart.FromClosure(cl), nil)
	if err != nil {
		if le, ok := err.(*luaerr.LuaError); ok && le.Kind == luaerr.Memory {
			return nil, StatusMemoryErr, err
		}
		return nil, StatusRuntimeErr, err
	}
	return results, StatusOK, nil
}

// Runtime exposes the underlying Runtime to callers inside this module
// (the CLI) that need more than the opaque ABI surface; embedders
// outside the module only ever see *State.
func (s *State) Runtime() *luart.Runtime { return s.rt }

// VersionInfo is the machine-readable form of version(), serialized
// with yaml.v3 the way the pack's config-bearing example repo does for
// its own tool-consumable metadata.
type VersionInfo struct {
	Name        string `yaml:"name"`
	LuaVersion  string `yaml:"lua_version"`
	Implementation string `yaml:"implementation"`
}

// Version implements version().
func Version() VersionInfo {
	return VersionInfo{
		Name:           "moonquakes",
		LuaVersion:     "5.4",
		Implementation: "clean-room Go",
	}
}

// VersionYAML renders Version() as YAML, for embedders or CLI flags
// that want the machine-readable form instead of a human string.
func VersionYAML() (string, error) {
	b, err := yaml.Marshal(Version())
	if err != nil {
		return "", err
	}
	return string(b), nil
}
