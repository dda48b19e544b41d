package stageflow

// Pipeline is an immutable mapping from name to StageSpec, plus ordered
// insertion for deterministic iteration. WithStage/Compose return a new
// Pipeline; the receiver is never mutated (persistent-data-structure
// semantics, spec.md §4.7).
type Pipeline struct {
	specs map[string]StageSpec
	order []string
}

// NewPipeline returns an empty pipeline ready for WithStage calls.
func NewPipeline() Pipeline {
	return Pipeline{specs: map[string]StageSpec{}}
}

// WithStage returns a new Pipeline with one additional StageSpec. The
// receiver is untouched. Duplicate names are allowed here — the later
// call overwrites the earlier, matching Compose's later-wins rule.
// Neither WithStage nor Compose reports a duplicate name as an error.
func (p Pipeline) WithStage(name string, run Runner, kind StageKind, dependencies []string, conditional bool) Pipeline {
	next := Pipeline{
		specs: make(map[string]StageSpec, len(p.specs)+1),
		order: append([]string(nil), p.order...),
	}
	for k, v := range p.specs {
		next.specs[k] = v
	}
	if _, existed := next.specs[name]; !existed {
		next.order = append(next.order, name)
	}
	next.specs[name] = StageSpec{
		Name:         name,
		Kind:         kind,
		Run:          run,
		Dependencies: dedupeStrings(dependencies),
		Conditional:  conditional,
	}
	return next
}

// Compose merges two pipelines by key-union. On a name collision the
// later definition (other's) wins — resolved per spec.md §9's open
// question and SPEC_FULL.md's supplemented-features note.
func (p Pipeline) Compose(other Pipeline) Pipeline {
	next := Pipeline{
		specs: make(map[string]StageSpec, len(p.specs)+len(other.specs)),
		order: append([]string(nil), p.order...),
	}
	for k, v := range p.specs {
		next.specs[k] = v
	}
	for _, name := range other.order {
		if _, existed := next.specs[name]; !existed {
			next.order = append(next.order, name)
		}
		next.specs[name] = other.specs[name]
	}
	return next
}

// Names returns the pipeline's stage names in insertion order.
func (p Pipeline) Names() []string {
	return append([]string(nil), p.order...)
}

// Len reports the number of declared stages.
func (p Pipeline) Len() int { return len(p.specs) }

// Build validates the pipeline (non-empty, dependency closure,
// acyclicity) and returns a ready-to-run StageGraph. Validation errors
// never occur during Run — only here (spec.md §4.7).
func (p Pipeline) Build() (*StageGraph, error) {
	if len(p.specs) == 0 {
		return nil, &ValidationError{Reason: "pipeline has no stages"}
	}

	for name, spec := range p.specs {
		for _, dep := range spec.Dependencies {
			if _, ok := p.specs[dep]; !ok {
				return nil, &ValidationError{Reason: "stage " + name + " depends on undeclared stage " + dep}
			}
		}
	}

	if cyc := findCycle(p.specs); cyc != nil {
		return nil, &CycleDetectedError{Cycle: cyc}
	}

	specs := make(map[string]StageSpec, len(p.specs))
	for k, v := range p.specs {
		specs[k] = v
	}
	return &StageGraph{specs: specs, order: append([]string(nil), p.order...)}, nil
}

// findCycle runs a three-color DFS over the dependency graph and returns
// the first cycle found (as a name path), or nil if the graph is acyclic.
func findCycle(specs map[string]StageSpec) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(specs))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = gray
		stack = append(stack, name)
		for _, dep := range specs[name].Dependencies {
			switch color[dep] {
			case white:
				if visit(dep) {
					return true
				}
			case gray:
				// Found the back edge; extract the cycle portion of stack.
				idx := len(stack) - 1
				for idx >= 0 && stack[idx] != dep {
					idx--
				}
				if idx < 0 {
					idx = 0
				}
				cycle = append(append([]string(nil), stack[idx:]...), dep)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return false
	}

	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	// Deterministic-ish traversal order isn't load-bearing for cycle
	// detection correctness, only for which cycle gets reported first
	// when multiple exist.
	for _, name := range names {
		if color[name] == white {
			if visit(name) {
				return cycle
			}
		}
	}
	return nil
}
