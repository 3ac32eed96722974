package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Sentinel errors for the pipeline package.
var (
	// ErrStageAlreadyRegistered is returned when registering a duplicate stage.
	ErrStageAlreadyRegistered = errors.New("stage already registered")

	// ErrStageNotFound is returned when a stage or stage dependency is not found.
	ErrStageNotFound = errors.New("stage not found")

	// ErrDependencyCycle is returned when stage dependencies form a cycle.
	ErrDependencyCycle = errors.New("dependency cycle detected")

	// ErrMultipleReviewStages is returned when more than one stage is marked Review.
	ErrMultipleReviewStages = errors.New("multiple review stages")
)

// Registry manages the pipeline's stages and their dependencies.
//
// Stage positions come from the dependency order, so "before" and "after"
// questions (rerun targets, resume after review) are answered against a
// single linearization computed by Validate.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
	order  []string // Maintains registration order
	sorted []string // Dependency order, set by Validate
}

// NewRegistry creates an empty stage registry.
func NewRegistry() *Registry {
	return &Registry{
		stages: make(map[string]Stage),
		order:  make([]string, 0),
	}
}

// NewDefaultRegistry returns a validated registry of DefaultStages.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, s := range DefaultStages() {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	if err := r.Validate(); err != nil {
		panic(err)
	}
	return r
}

// Register adds a stage to the registry.
// Returns an error if a stage with the same name is already registered.
func (r *Registry) Register(s Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Name == "" {
		return fmt.Errorf("stage name is required")
	}
	if _, exists := r.stages[s.Name]; exists {
		return fmt.Errorf("%w: %s", ErrStageAlreadyRegistered, s.Name)
	}

	r.stages[s.Name] = s
	r.order = append(r.order, s.Name)
	r.sorted = nil
	return nil
}

// Get returns a stage by name.
func (r *Registry) Get(name string) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stages[name]
	return s, ok
}

// Names returns all stage names in pipeline order once validated,
// registration order otherwise.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.sorted != nil {
		return slices.Clone(r.sorted)
	}
	return slices.Clone(r.order)
}

// topoSort runs Kahn's algorithm. Stages at the same dependency level keep
// registration order. Callers must hold r.mu.
func (r *Registry) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(r.order))
	for _, name := range r.order {
		inDegree[name] = 0
	}
	for _, name := range r.order {
		for _, dep := range r.stages[name].Dependencies {
			if _, ok := r.stages[dep]; !ok {
				return nil, fmt.Errorf("%w: stage %q depends on %q", ErrStageNotFound, name, dep)
			}
			inDegree[name]++
		}
	}

	var queue []string
	for _, name := range r.order {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	var ordered []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		ordered = append(ordered, name)

		// Iterate in registration order for a stable result
		for _, depName := range r.order {
			if slices.Contains(r.stages[depName].Dependencies, name) {
				inDegree[depName]--
				if inDegree[depName] == 0 {
					queue = append(queue, depName)
				}
			}
		}
	}

	if len(ordered) != len(r.stages) {
		return nil, ErrDependencyCycle
	}
	return ordered, nil
}

// Validate checks dependencies, cycles, and the review stage, then fixes
// the pipeline order used by Index and After.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reviews := 0
	for _, s := range r.stages {
		if s.Review {
			reviews++
		}
	}
	if reviews > 1 {
		return ErrMultipleReviewStages
	}

	sorted, err := r.topoSort()
	if err != nil {
		return err
	}
	r.sorted = sorted
	return nil
}

// Index returns the stage's position in pipeline order, or -1.
func (r *Registry) Index(name string) int {
	return slices.Index(r.Names(), name)
}

// Last returns the final stage in pipeline order.
func (r *Registry) Last() string {
	names := r.Names()
	if len(names) == 0 {
		return ""
	}
	return names[len(names)-1]
}

// After returns the stage following name, or "" when name is last or unknown.
func (r *Registry) After(name string) string {
	names := r.Names()
	idx := slices.Index(names, name)
	if idx < 0 || idx+1 >= len(names) {
		return ""
	}
	return names[idx+1]
}

// ReviewStage returns the name of the human review stage, or "".
func (r *Registry) ReviewStage() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		if r.stages[name].Review {
			return name
		}
	}
	return ""
}

// ResumeAfterReview returns the stage the pipeline resumes at once review ends.
func (r *Registry) ResumeAfterReview() string {
	return r.After(r.ReviewStage())
}

// NotAfterReview reports whether step runs at or before the review stage,
// meaning a rerun from step must repeat review.
func (r *Registry) NotAfterReview(step string) bool {
	review := r.ReviewStage()
	if review == "" {
		return true
	}
	return r.Index(step) <= r.Index(review)
}
