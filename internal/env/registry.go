package env

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrEnvExists   = errors.New("environment already registered")
	ErrEnvNotFound = errors.New("environment not found")
)

// Factory builds a fresh Environment instance. Every worker gets its
// own instance, so factories must not share mutable state.
type Factory func() Environment

var envRegistry = struct {
	mu sync.RWMutex
	m  map[string]Factory
}{
	m: make(map[string]Factory),
}

func init() {
	MustRegister("nav2d", func() Environment { return NewNav2D(DefaultNav2DLayout()) })
	MustRegister("nav2d-cluttered", func() Environment { return NewNav2D(ClutteredNav2DLayout()) })
}

func Register(name string, factory Factory) error {
	if name == "" {
		return errors.New("environment name is required")
	}
	if factory == nil {
		return errors.New("environment factory is required")
	}

	envRegistry.mu.Lock()
	defer envRegistry.mu.Unlock()

	if _, exists := envRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrEnvExists, name)
	}
	envRegistry.m[name] = factory
	return nil
}

func MustRegister(name string, factory Factory) {
	if err := Register(name, factory); err != nil {
		panic(err)
	}
}

// New instantiates a registered environment by name.
func New(name string) (Environment, error) {
	envRegistry.mu.RLock()
	factory, ok := envRegistry.m[name]
	envRegistry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEnvNotFound, name)
	}
	return factory(), nil
}

// Names lists registered environments in sorted order.
func Names() []string {
	envRegistry.mu.RLock()
	defer envRegistry.mu.RUnlock()

	names := make([]string, 0, len(envRegistry.m))
	for name := range envRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
