package conformance

// TestSuite represents a complete YAML test file
type TestSuite struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Tests       []TestCase `yaml:"tests"`
}

// TestCase is one scenario invocation with its expected outcome. Exactly
// one expectation field should be set.
type TestCase struct {
	Name     string `yaml:"name"`
	Scenario string `yaml:"scenario"`

	// Scenario parameters (meaning depends on the scenario).
	Capacity  int   `yaml:"capacity,omitempty"`
	SleepsMs  []int `yaml:"sleeps_ms,omitempty"`
	Workers   int   `yaml:"workers,omitempty"`

	ExpectI32  *int32  `yaml:"expect_i32,omitempty"`
	ExpectStr  *string `yaml:"expect_str,omitempty"`
	ExpectBool *bool   `yaml:"expect_bool,omitempty"`
	ExpectFail bool    `yaml:"expect_fail,omitempty"`

	// Skip marks a scenario excluded on this platform/run with a reason.
	Skip string `yaml:"skip,omitempty"`
	// Timing marks wall-clock-sensitive scenarios skipped under -short.
	Timing bool `yaml:"timing,omitempty"`
}
