package astiflow

import "fmt"

// Registry maps plugin names to their constructors, per spec.md §4.8's
// "-I/-P/-O name args..." plugin specifications. A Supervisor looks a
// plugin spec's name up in a Registry to instantiate it.
type Registry struct {
	inputs     map[string]NewInputFunc
	processors map[string]NewProcessorFunc
	outputs    map[string]NewOutputFunc
}

// NewRegistry returns an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		inputs:     map[string]NewInputFunc{},
		processors: map[string]NewProcessorFunc{},
		outputs:    map[string]NewOutputFunc{},
	}
}

// RegisterInput makes an input plugin available under name to -I.
func (r *Registry) RegisterInput(name string, f NewInputFunc) { r.inputs[name] = f }

// RegisterProcessor makes a processor plugin available under name to -P.
func (r *Registry) RegisterProcessor(name string, f NewProcessorFunc) { r.processors[name] = f }

// RegisterOutput makes an output plugin available under name to -O.
func (r *Registry) RegisterOutput(name string, f NewOutputFunc) { r.outputs[name] = f }

func (r *Registry) input(name string) (NewInputFunc, error) {
	f, ok := r.inputs[name]
	if !ok {
		return nil, fmt.Errorf("astiflow: no input plugin named %q", name)
	}
	return f, nil
}

func (r *Registry) processor(name string) (NewProcessorFunc, error) {
	f, ok := r.processors[name]
	if !ok {
		return nil, fmt.Errorf("astiflow: no processor plugin named %q", name)
	}
	return f, nil
}

func (r *Registry) output(name string) (NewOutputFunc, error) {
	f, ok := r.outputs[name]
	if !ok {
		return nil, fmt.Errorf("astiflow: no output plugin named %q", name)
	}
	return f, nil
}
