// Package generation turns improvement opportunities into concrete code
// changes via an LLM, then validates the proposed sources syntactically
// before anything touches the working tree.
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"selfpatch/internal/analysis"
	"selfpatch/internal/logging"
	"selfpatch/internal/reasoning"
)

const (
	// maxContextFiles bounds how many source files are excerpted into
	// the generation prompt.
	maxContextFiles = 3

	// maxExcerptBytes bounds each excerpt.
	maxExcerptBytes = 2000
)

const systemPrompt = `You are the self-improvement subsystem of a coding agent.
Given an improvement opportunity detected from the agent's task history,
propose a minimal, self-contained code change.

Respond with ONLY a JSON object of this shape:
{
  "title": "short title",
  "description": "what the change does and why",
  "changes": [
    {
      "file_path": "relative/path/to/file",
      "change_type": "create|modify|delete",
      "description": "what this edit does",
      "content": "full new file content (empty for delete)"
    }
  ],
  "verification_script": "shell script that exits 0 if the change works"
}

Rules:
- file_path must be relative to the project root, never absolute.
- content must be the COMPLETE file, not a diff.
- Keep changes minimal: prefer one file.
- The verification script runs in an isolated sandbox with the changed
  files present in its working directory.`

// Generator produces Improvements from Opportunities.
type Generator struct {
	client reasoning.Client
	root   string // project root all change paths resolve against
	log    *logging.Logger
}

// NewGenerator creates a generator rooted at the project directory.
func NewGenerator(client reasoning.Client, root string) *Generator {
	return &Generator{
		client: client,
		root:   root,
		log:    logging.Get(logging.CategoryGeneration),
	}
}

// llm response shape
type llmImprovement struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Changes     []struct {
		FilePath    string `json:"file_path"`
		ChangeType  string `json:"change_type"`
		Description string `json:"description"`
		Content     string `json:"content"`
	} `json:"changes"`
	VerificationScript string `json:"verification_script"`
}

// Generate asks the LLM for a change proposal. A malformed or
// schema-violating response is not an error condition: it returns
// (nil, nil) and the opportunity is simply skipped this cycle.
// A transport/API failure returns an error.
func (g *Generator) Generate(ctx context.Context, opp analysis.Opportunity) (*Improvement, error) {
	timer := logging.StartTimer(logging.CategoryGeneration, "generate "+opp.ID)
	defer timer.Stop()

	prompt := g.buildPrompt(opp)

	response, err := g.client.CompleteWithSystem(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("llm completion: %w", err)
	}

	var parsed llmImprovement
	if err := json.Unmarshal([]byte(cleanJSONResponse(response)), &parsed); err != nil {
		g.log.Warn("unparseable response for %s: %v", opp.ID, err)
		return nil, nil
	}

	imp, reason := g.buildImprovement(opp, parsed)
	if imp == nil {
		g.log.Warn("rejected response for %s: %s", opp.ID, reason)
		return nil, nil
	}

	g.log.Info("generated %q for %s (%d changes)", imp.Title, opp.ID, len(imp.Changes))
	return imp, nil
}

// buildImprovement converts and schema-checks the LLM response.
// Returns (nil, reason) on any violation.
func (g *Generator) buildImprovement(opp analysis.Opportunity, parsed llmImprovement) (*Improvement, string) {
	if strings.TrimSpace(parsed.Title) == "" {
		return nil, "missing title"
	}
	if len(parsed.Changes) == 0 {
		return nil, "no changes proposed"
	}

	imp := &Improvement{
		ID:                 opp.ID,
		Title:              strings.TrimSpace(parsed.Title),
		Description:        strings.TrimSpace(parsed.Description),
		VerificationScript: parsed.VerificationScript,
	}

	for i, ch := range parsed.Changes {
		kind := ChangeKind(strings.ToLower(strings.TrimSpace(ch.ChangeType)))
		if !ValidKind(kind) {
			return nil, fmt.Sprintf("change %d: unknown change_type %q", i, ch.ChangeType)
		}
		if strings.TrimSpace(ch.FilePath) == "" {
			return nil, fmt.Sprintf("change %d: empty file_path", i)
		}
		if kind != KindDelete && ch.Content == "" {
			return nil, fmt.Sprintf("change %d: empty content for %s", i, kind)
		}

		abs, err := g.resolvePath(ch.FilePath)
		if err != nil {
			return nil, fmt.Sprintf("change %d: %v", i, err)
		}

		imp.Changes = append(imp.Changes, CodeChange{
			Path:        abs,
			Kind:        kind,
			Description: strings.TrimSpace(ch.Description),
			NewContent:  ch.Content,
		})
	}

	return imp, ""
}

// resolvePath joins a proposed relative path against the project root and
// rejects anything that escapes it.
func (g *Generator) resolvePath(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute path not allowed: %s", rel)
	}
	abs := filepath.Clean(filepath.Join(g.root, rel))
	rootPrefix := filepath.Clean(g.root) + string(filepath.Separator)
	if !strings.HasPrefix(abs, rootPrefix) {
		return "", fmt.Errorf("path escapes project root: %s", rel)
	}
	return abs, nil
}

// buildPrompt renders the opportunity plus bounded excerpts of relevant
// source files into the generation prompt.
func (g *Generator) buildPrompt(opp analysis.Opportunity) string {
	var b strings.Builder

	b.WriteString("Improvement opportunity:\n")
	fmt.Fprintf(&b, "  id: %s\n", opp.ID)
	fmt.Fprintf(&b, "  type: %s\n", opp.Type)
	fmt.Fprintf(&b, "  priority: %d\n", opp.Priority)
	fmt.Fprintf(&b, "  description: %s\n", opp.Description)

	if len(opp.Context) > 0 {
		ctxJSON, err := json.MarshalIndent(opp.Context, "  ", "  ")
		if err == nil {
			b.WriteString("  context:\n  ")
			b.Write(ctxJSON)
			b.WriteString("\n")
		}
	}

	excerpts := g.gatherContext(opp)
	if len(excerpts) > 0 {
		b.WriteString("\nRelevant source files:\n")
		for path, content := range excerpts {
			fmt.Fprintf(&b, "\n--- %s ---\n%s\n", path, content)
		}
	}

	return b.String()
}

// gatherContext finds up to maxContextFiles source files related to the
// tools named in the opportunity context and excerpts them.
func (g *Generator) gatherContext(opp analysis.Opportunity) map[string]string {
	names := contextToolNames(opp)
	if len(names) == 0 {
		return nil
	}

	excerpts := make(map[string]string)
	for _, name := range names {
		if len(excerpts) >= maxContextFiles {
			break
		}
		path := g.findSourceFile(name)
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if len(data) > maxExcerptBytes {
			data = data[:maxExcerptBytes]
		}
		rel, err := filepath.Rel(g.root, path)
		if err != nil {
			rel = path
		}
		excerpts[rel] = string(data)
	}
	return excerpts
}

// findSourceFile walks the project root for the first source file whose
// base name contains the tool name.
func (g *Generator) findSourceFile(tool string) string {
	tool = strings.ToLower(tool)
	var found string
	filepath.WalkDir(g.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			// Skip state/vcs/vendor dirs.
			name := d.Name()
			if strings.HasPrefix(name, ".") || name == "vendor" || name == "node_modules" {
				if path != g.root {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if !isSourceFile(path) {
			return nil
		}
		base := strings.ToLower(d.Name())
		if strings.Contains(base, tool) {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

func isSourceFile(path string) bool {
	switch filepath.Ext(path) {
	case ".go", ".py", ".js", ".ts":
		return true
	}
	return false
}

// contextToolNames pulls tool names out of an opportunity context.
func contextToolNames(opp analysis.Opportunity) []string {
	var names []string
	if v, ok := opp.Context["tool_name"].(string); ok && v != "" {
		names = append(names, v)
	}
	if vs, ok := opp.Context["tools_involved"].([]string); ok {
		names = append(names, vs...)
	}
	if vs, ok := opp.Context["tool_sequence"].([]string); ok {
		names = append(names, vs...)
	}
	// Context round-tripped through JSON carries []interface{}.
	for _, key := range []string{"tools_involved", "tool_sequence"} {
		if vs, ok := opp.Context[key].([]interface{}); ok {
			for _, v := range vs {
				if s, ok := v.(string); ok {
					names = append(names, s)
				}
			}
		}
	}
	return names
}

// cleanJSONResponse strips markdown code fences from an LLM response.
func cleanJSONResponse(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	return strings.TrimSpace(resp)
}
