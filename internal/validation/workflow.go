package validation

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/luthier-ai/maestro/internal/expressions"
	"github.com/luthier-ai/maestro/pkg/schema"
)

// Validation issue codes.
const (
	CodeMissingField  = "missing_field"
	CodeInvalidField  = "invalid_field"
	CodeDuplicateName = "duplicate_name"
	CodeUnknownType   = "unknown_type"
	CodeBadReference  = "bad_reference"
)

// ValidateWorkflow runs the full definition-time validation pipeline:
// JSON-Schema shape check plus the structural rules the schema cannot
// express (sibling name uniqueness, closed-variant field requirements,
// wait_for bounds, condition grammar, forward template references).
func ValidateWorkflow(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if wf == nil {
		result.AddError("", CodeMissingField, "workflow is nil")
		return result
	}
	if shapeErr := validateShape(wf); shapeErr != nil {
		result.Merge(shapeErr)
	}
	if len(wf.Steps) == 0 {
		result.AddError("steps", CodeMissingField, "workflow has no steps")
		return result
	}

	validateLevel(result, wf.Steps, "steps", nil)
	return result
}

// validateLevel checks one nesting level of steps. known carries the step
// names already defined at ancestor levels plus earlier siblings, used to
// flag template references that can never resolve.
func validateLevel(result *schema.ValidationResult, steps []schema.StepDefinition, path string, known map[string]struct{}) {
	seen := make(map[string]struct{}, len(steps))
	visible := copySet(known)

	for i := range steps {
		step := &steps[i]
		stepPath := fmt.Sprintf("%s[%d]", path, i)

		if step.Name == "" {
			result.AddError(stepPath+".name", CodeMissingField, "step name is required")
		}
		if _, dup := seen[step.Name]; dup {
			result.AddError(stepPath+".name", CodeDuplicateName,
				fmt.Sprintf("duplicate step name %q at this nesting level", step.Name))
		}
		seen[step.Name] = struct{}{}

		validateStep(result, step, stepPath, visible)

		// Later siblings can reference earlier outputs.
		visible[step.Name] = struct{}{}
	}
}

func validateStep(result *schema.ValidationResult, step *schema.StepDefinition, path string, visible map[string]struct{}) {
	validateOverrides(result, step, path)

	switch step.Type {
	case schema.StepTypeAgent:
		if step.AgentID == "" {
			result.AddError(path+".agent_id", CodeMissingField, "agent step requires agent_id")
		}
		checkRefs(result, step.Input, path+".input", visible)

	case schema.StepTypeMCPTool:
		if step.ServerID == "" {
			result.AddError(path+".server_id", CodeMissingField, "mcp_tool step requires server_id")
		}
		if step.ToolName == "" {
			result.AddError(path+".tool_name", CodeMissingField, "mcp_tool step requires tool_name")
		}
		checkRefs(result, step.Input, path+".input", visible)

	case schema.StepTypeHTTP:
		if step.Method == "" {
			result.AddError(path+".method", CodeMissingField, "http step requires method")
		}
		if step.URL == "" {
			result.AddError(path+".url", CodeMissingField, "http step requires url")
		} else if !strings.Contains(step.URL, "{") {
			if _, err := url.ParseRequestURI(step.URL); err != nil {
				result.AddError(path+".url", CodeInvalidField, fmt.Sprintf("invalid url: %s", err))
			}
		}
		checkRefs(result, step.URL, path+".url", visible)
		checkRefs(result, step.Body, path+".body", visible)

	case schema.StepTypeParallel:
		if len(step.Steps) == 0 {
			result.AddError(path+".steps", CodeMissingField, "parallel group requires at least one child")
		}
		spec, err := schema.ParseWaitFor(step.WaitFor)
		if err != nil {
			result.AddError(path+".wait_for", CodeInvalidField, err.Error())
		} else if spec.Mode == schema.WaitCount && spec.Count > len(step.Steps) {
			result.AddError(path+".wait_for", CodeInvalidField,
				fmt.Sprintf("count:%d exceeds %d children", spec.Count, len(step.Steps)))
		}
		if p := step.SiblingPolicy; p != "" && p != schema.SiblingContinue && p != schema.SiblingCancel {
			result.AddError(path+".sibling_policy", CodeInvalidField,
				fmt.Sprintf("unknown sibling policy %q", p))
		}
		validateChildNames(result, step.Steps, path)
		// Children see ancestor outputs through the group snapshot but
		// never each other's, so each child validates against the
		// parent's visible set alone.
		for i := range step.Steps {
			childPath := fmt.Sprintf("%s.steps[%d]", path, i)
			validateStep(result, &step.Steps[i], childPath, visible)
		}

	case schema.StepTypeConditional:
		if step.Condition == "" {
			result.AddError(path+".condition", CodeMissingField, "conditional step requires a condition")
		} else if step.ConditionEngine == "" || step.ConditionEngine == schema.EngineNative {
			if _, err := expressions.ParseCondition(step.Condition); err != nil {
				result.AddError(path+".condition", CodeInvalidField, err.Error())
			}
		} else if step.ConditionEngine != schema.EngineCEL && step.ConditionEngine != schema.EngineExpr {
			result.AddError(path+".condition_engine", CodeUnknownType,
				fmt.Sprintf("unknown condition engine %q", step.ConditionEngine))
		}
		if step.IfTrue == nil && step.IfFalse == nil {
			result.AddError(path, CodeMissingField, "conditional step requires if_true or if_false")
		}
		if step.IfTrue != nil && step.IfFalse != nil && step.IfTrue.Name == step.IfFalse.Name {
			result.AddError(path, CodeDuplicateName, "if_true and if_false branches share a name")
		}
		if step.IfTrue != nil {
			validateStep(result, step.IfTrue, path+".if_true", visible)
		}
		if step.IfFalse != nil {
			validateStep(result, step.IfFalse, path+".if_false", visible)
		}

	default:
		result.AddError(path+".type", CodeUnknownType, fmt.Sprintf("unknown step type %q", step.Type))
	}
}

// validateChildNames enforces name uniqueness among parallel children.
func validateChildNames(result *schema.ValidationResult, children []schema.StepDefinition, path string) {
	seen := make(map[string]struct{}, len(children))
	for _, c := range children {
		if c.Name == "" {
			continue
		}
		if _, dup := seen[c.Name]; dup {
			result.AddError(path+".steps", CodeDuplicateName,
				fmt.Sprintf("duplicate child name %q in parallel group", c.Name))
			return
		}
		seen[c.Name] = struct{}{}
	}
}

func validateOverrides(result *schema.ValidationResult, step *schema.StepDefinition, path string) {
	if step.Timeout != "" {
		if _, err := schema.ParseTimeout(step.Timeout); err != nil {
			result.AddError(path+".timeout", CodeInvalidField, err.Error())
		}
	}
	if step.Retry != nil {
		validateRetry(result, step.Retry, path+".retry")
	}
}

func validateRetry(result *schema.ValidationResult, policy *schema.RetryPolicy, path string) {
	if policy.MaxRetries < 0 {
		result.AddError(path+".max_retries", CodeInvalidField, "max_retries must be >= 0")
	}
	switch policy.Strategy {
	case "", schema.RetryNone, schema.RetryLinear, schema.RetryExponential:
	default:
		result.AddError(path+".strategy", CodeInvalidField,
			fmt.Sprintf("unknown retry strategy %q", policy.Strategy))
	}
	for field, v := range map[string]string{"base_delay": policy.BaseDelay, "max_delay": policy.MaxDelay} {
		if v == "" {
			continue
		}
		if _, err := schema.ParseTimeout(v); err != nil {
			result.AddError(path+"."+field, CodeInvalidField, err.Error())
		}
	}
}

// checkRefs warns about template references to names that are neither
// "input" nor an earlier step at an enclosing level. Under the lenient
// template policy these resolve to literal text at run time, so they are
// warnings, not errors.
func checkRefs(result *schema.ValidationResult, v any, path string, visible map[string]struct{}) {
	for _, ref := range expressions.ExtractRefs(v) {
		if ref == "input" {
			continue
		}
		if _, ok := visible[ref]; !ok {
			result.AddWarning(path, CodeBadReference,
				fmt.Sprintf("template reference {%s...} does not match input or any earlier step", ref))
		}
	}
}

func copySet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}
