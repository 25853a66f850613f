package process

import (
	"time"

	apperrors "github.com/R3E-Network/appos/internal/errors"
)

// OnError selects how a step failure resumes the process once retries are
// exhausted.
type OnError string

const (
	OnErrorFail     OnError = "fail"
	OnErrorSkip     OnError = "skip"
	OnErrorContinue OnError = "continue"
)

// Effective normalises the policy: empty or unknown values fail the process.
func (o OnError) Effective() OnError {
	switch o {
	case OnErrorSkip, OnErrorContinue:
		return o
	default:
		return OnErrorFail
	}
}

// Step is a single rule invocation with its own retry, condition and failure
// policy.
type Step struct {
	Name          string
	Rule          string
	InputMapping  map[string]string // rule param -> process variable
	OutputMapping map[string]string // rule output -> process variable
	RetryCount    int
	RetryDelay    time.Duration
	Condition     string
	OnError       OnError
	FireAndForget bool
	LogInputs     bool
	LogOutputs    bool
}

// Node is a tagged variant: either a sequential step or a parallel group.
type Node struct {
	Step    *Step
	Members []Node
}

// IsParallel reports whether the node is a parallel group.
func (n Node) IsParallel() bool { return n.Step == nil }

// Name returns the step name for sequential nodes and "" for groups.
func (n Node) Name() string {
	if n.Step != nil {
		return n.Step.Name
	}
	return ""
}

// Definition is a parsed process: an ordered list of steps, some grouped for
// parallel execution.
type Definition struct {
	Ref      string
	Steps    []Node
	Metadata map[string]any
}

// StepOption customises a step built with NewStep.
type StepOption func(*Step)

// WithInputMapping binds rule parameters to process variables.
func WithInputMapping(m map[string]string) StepOption {
	return func(s *Step) { s.InputMapping = m }
}

// WithOutputMapping binds rule outputs back to process variables.
func WithOutputMapping(m map[string]string) StepOption {
	return func(s *Step) { s.OutputMapping = m }
}

// WithRetry sets the retry count and the fixed delay between attempts.
func WithRetry(count int, delay time.Duration) StepOption {
	return func(s *Step) {
		s.RetryCount = count
		s.RetryDelay = delay
	}
}

// WithCondition gates the step on an expression over the variable scope.
func WithCondition(expr string) StepOption {
	return func(s *Step) { s.Condition = expr }
}

// WithOnError sets the failure policy.
func WithOnError(policy OnError) StepOption {
	return func(s *Step) { s.OnError = policy }
}

// FireAndForget detaches the step outcome from the process outcome. The
// failure policy defaults to skip, since fire-and-forget steps may not fail
// the process.
func FireAndForget() StepOption {
	return func(s *Step) {
		s.FireAndForget = true
		if s.OnError == "" {
			s.OnError = OnErrorSkip
		}
	}
}

// LogInputs records the step inputs in the step log.
func LogInputs() StepOption {
	return func(s *Step) { s.LogInputs = true }
}

// LogOutputs records the step outputs in the step log.
func LogOutputs() StepOption {
	return func(s *Step) { s.LogOutputs = true }
}

// NewStep builds a sequential step node. Process handlers compose these into
// the step list they return.
func NewStep(name, rule string, opts ...StepOption) Node {
	s := &Step{Name: name, Rule: rule}
	for _, opt := range opts {
		opt(s)
	}
	return Node{Step: s}
}

// NewParallel groups step nodes for concurrent execution.
func NewParallel(members ...Node) Node {
	return Node{Members: members}
}

// Validate enforces the structural invariants: unique step names, resolvable
// shapes, non-negative retry settings, no nested parallel groups, and
// fire-and-forget steps never carrying a fail policy.
func (d *Definition) Validate() error {
	seen := make(map[string]bool)

	validateStep := func(s *Step) error {
		if s.Name == "" {
			return apperrors.Validation(apperrors.CodeInvalidStep, "step name is required")
		}
		if seen[s.Name] {
			return apperrors.Validation(apperrors.CodeDuplicateStep,
				"duplicate step name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Rule == "" {
			return apperrors.Validation(apperrors.CodeInvalidStep,
				"step %q has no rule reference", s.Name)
		}
		if s.RetryCount < 0 {
			return apperrors.Validation(apperrors.CodeInvalidStep,
				"step %q has negative retry count", s.Name)
		}
		if s.RetryDelay < 0 {
			return apperrors.Validation(apperrors.CodeInvalidStep,
				"step %q has negative retry delay", s.Name)
		}
		if s.FireAndForget && s.OnError.Effective() == OnErrorFail {
			return apperrors.Validation(apperrors.CodeInvalidStep,
				"fire-and-forget step %q may not use on_error=fail", s.Name)
		}
		return nil
	}

	for _, node := range d.Steps {
		if !node.IsParallel() {
			if err := validateStep(node.Step); err != nil {
				return err
			}
			continue
		}
		if len(node.Members) == 0 {
			return apperrors.Validation(apperrors.CodeInvalidStep, "empty parallel group")
		}
		for _, member := range node.Members {
			if member.IsParallel() {
				return apperrors.Validation(apperrors.CodeNestedParallel,
					"parallel groups may not nest")
			}
			if err := validateStep(member.Step); err != nil {
				return err
			}
		}
	}
	return nil
}

// IndexOfStep returns the node index containing the named step.
func (d *Definition) IndexOfStep(name string) (int, bool) {
	for i, node := range d.Steps {
		if node.Name() == name {
			return i, true
		}
		for _, member := range node.Members {
			if member.Name() == name {
				return i, true
			}
		}
	}
	return 0, false
}
