package sandbox

// Limits holds the safety bounds applied while compiling and evaluating
// templates. A zero field falls back to the value from DefaultLimits.
type Limits struct {
	// MaxTemplateSize is the largest template body, in bytes, that Compile accepts.
	MaxTemplateSize int `json:"max_template_size"`

	// MaxNesting bounds how deeply blocks and expressions may be nested.
	MaxNesting int `json:"max_nesting"`

	// MaxIterations bounds the total number of loop iterations of a single
	// evaluation, across all loops of the template.
	MaxIterations int `json:"max_iterations"`

	// MaxOutputSize is the largest rendered output, in bytes.
	MaxOutputSize int `json:"max_output_size"`

	// MaxValueDepth bounds the nesting of lists and mappings in the variables.
	MaxValueDepth int `json:"max_value_depth"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxTemplateSize: 1 << 20, // 1MB
		MaxNesting:      64,
		MaxIterations:   100_000,
		MaxOutputSize:   4 << 20, // 4MB
		MaxValueDepth:   32,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.MaxTemplateSize <= 0 {
		l.MaxTemplateSize = def.MaxTemplateSize
	}
	if l.MaxNesting <= 0 {
		l.MaxNesting = def.MaxNesting
	}
	if l.MaxIterations <= 0 {
		l.MaxIterations = def.MaxIterations
	}
	if l.MaxOutputSize <= 0 {
		l.MaxOutputSize = def.MaxOutputSize
	}
	if l.MaxValueDepth <= 0 {
		l.MaxValueDepth = def.MaxValueDepth
	}
	return l
}
