package llm

import (
	"fmt"
	"strings"

	"github.com/goshops-com/opsagent/pkg/models"
)

// ToolName joins an instance id and tool name into the function name
// offered to the model; SplitToolName inverts it. The model never sees raw
// instance routing beyond this prefix.
func ToolName(instanceID, tool string) string {
	return instanceID + "__" + tool
}

// SplitToolName recovers (instanceID, tool) from a model function name.
func SplitToolName(name string) (string, string, bool) {
	instanceID, tool, ok := strings.Cut(name, "__")
	if !ok || instanceID == "" || tool == "" {
		return "", "", false
	}
	return instanceID, tool, true
}

// BuildToolDef converts one plugin tool declaration into a model binding.
// The description carries the risk posture so the model can prefer cheap
// read tools.
func BuildToolDef(instanceID string, tool models.PluginTool) ToolDef {
	desc := fmt.Sprintf("%s [Risk: %s] [Category: %s]", tool.Description, tool.RiskLevel, tool.Category)
	if tool.RequiresApproval || !tool.RiskLevel.AutoExecutable() {
		desc += " [Requires Approval]"
	}
	return ToolDef{
		Name:        ToolName(instanceID, tool.Name),
		Description: desc,
		Schema:      parameterSchema(tool.Parameters),
	}
}

// parameterSchema derives a JSON schema object from the declared
// parameters.
func parameterSchema(params []models.ToolParameter) map[string]any {
	properties := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		prop := map[string]any{"type": schemaType(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Pattern != "" {
			prop["pattern"] = p.Pattern
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func schemaType(t models.ParameterType) string {
	switch t {
	case models.ParamNumber:
		return "number"
	case models.ParamBoolean:
		return "boolean"
	case models.ParamObject:
		return "object"
	case models.ParamArray:
		return "array"
	default:
		return "string"
	}
}

// BuildFeedbackPrompt formats the issue context, its timeline and the new
// human feedback for the follow-up call.
func BuildFeedbackPrompt(issue *models.Issue, timeline []*models.IssueComment, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue: %s (severity %s, status %s, %d alert occurrences)\n",
		issue.Title, issue.Severity, issue.Status, issue.AlertCount)
	if issue.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", issue.Description)
	}
	b.WriteString("\nTimeline:\n")
	for _, c := range timeline {
		fmt.Fprintf(&b, "- [%s] %s (%s): %s\n",
			c.CreatedAt.Format("2006-01-02 15:04:05"), c.AuthorType, c.Type, c.Content)
	}
	fmt.Fprintf(&b, "\nNew feedback from a human operator:\n%s\n", feedback)
	return b.String()
}
