package plugin

import (
	"fmt"
	"regexp"

	"github.com/goshops-com/opsagent/pkg/models"
)

// ValidateToolParams checks params against a tool's declarations and
// returns the validated map: defaults applied, scalar types coerced where
// JSON decoding produced a compatible representation. Object and array
// parameters pass through untyped.
func ValidateToolParams(tool *models.PluginTool, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	declared := make(map[string]bool, len(tool.Parameters))

	for _, decl := range tool.Parameters {
		declared[decl.Name] = true
		value, present := params[decl.Name]
		if !present || value == nil {
			if decl.Default != nil {
				out[decl.Name] = decl.Default
				continue
			}
			if decl.Required {
				return nil, fmt.Errorf("missing required parameter %q", decl.Name)
			}
			continue
		}
		typed, err := coerce(decl, value)
		if err != nil {
			return nil, err
		}
		out[decl.Name] = typed
	}

	for name := range params {
		if !declared[name] {
			return nil, fmt.Errorf("unknown parameter %q for tool %s", name, tool.Name)
		}
	}
	return out, nil
}

func coerce(decl models.ToolParameter, value any) (any, error) {
	switch decl.Type {
	case models.ParamString:
		str, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("parameter %q must be a string", decl.Name)
		}
		if len(decl.Enum) > 0 && !contains(decl.Enum, str) {
			return nil, fmt.Errorf("parameter %q must be one of %v", decl.Name, decl.Enum)
		}
		if decl.Pattern != "" {
			re, err := regexp.Compile(decl.Pattern)
			if err != nil {
				return nil, fmt.Errorf("parameter %q has an invalid pattern: %w", decl.Name, err)
			}
			if !re.MatchString(str) {
				return nil, fmt.Errorf("parameter %q does not match pattern %s", decl.Name, decl.Pattern)
			}
		}
		return str, nil

	case models.ParamNumber:
		switch n := value.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		default:
			return nil, fmt.Errorf("parameter %q must be a number", decl.Name)
		}

	case models.ParamBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("parameter %q must be a boolean", decl.Name)
		}
		return b, nil

	case models.ParamObject:
		if _, ok := value.(map[string]any); !ok {
			return nil, fmt.Errorf("parameter %q must be an object", decl.Name)
		}
		return value, nil

	case models.ParamArray:
		if _, ok := value.([]any); !ok {
			return nil, fmt.Errorf("parameter %q must be an array", decl.Name)
		}
		return value, nil

	default:
		return nil, fmt.Errorf("parameter %q has unknown type %q", decl.Name, decl.Type)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
