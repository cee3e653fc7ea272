package schema

// PortSpec declares the named input and output ports of a node type.
// Edge validation at publish time checks both ends against these.
type PortSpec struct {
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
	// DynamicOutputs admits arbitrary output port names beyond Outputs,
	// used by multi-way switch nodes whose branch ports come from node
	// parameters rather than the type declaration.
	DynamicOutputs bool `json:"dynamic_outputs,omitempty"`
}

// HasInput reports whether the spec declares the named input port.
func (p PortSpec) HasInput(name string) bool {
	return contains(p.Inputs, name)
}

// HasOutput reports whether the spec declares the named output port.
func (p PortSpec) HasOutput(name string) bool {
	if p.DynamicOutputs && name != "" {
		return true
	}
	return contains(p.Outputs, name)
}

// HasErrorOutput reports whether the node type declares a dedicated error
// port, required for the continue_error_output policy to take effect.
func (p PortSpec) HasErrorOutput() bool {
	return p.HasOutput(PortError)
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
