package generation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"selfpatch/internal/analysis"
)

func testOpportunity() analysis.Opportunity {
	return analysis.Opportunity{
		ID:          "fix-0042",
		Type:        analysis.TypeFixFailure,
		Description: "Recurring failure: config parse error",
		Priority:    8,
		Context: map[string]interface{}{
			"error_message":    "config parse error",
			"occurrence_count": 3,
		},
	}
}

const goodResponse = `{
  "title": "Harden config parsing",
  "description": "Handle missing files gracefully",
  "changes": [
    {
      "file_path": "tools/config_parser.go",
      "change_type": "create",
      "description": "new parser helper",
      "content": "package tools\n\nfunc Parse() error { return nil }\n"
    }
  ],
  "verification_script": "exit 0"
}`

func TestGenerateParsesWellFormedResponse(t *testing.T) {
	g := NewGenerator(&mockClient{response: goodResponse}, t.TempDir())

	imp, err := g.Generate(context.Background(), testOpportunity())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if imp == nil {
		t.Fatal("expected an improvement")
	}
	if imp.ID != "fix-0042" {
		t.Errorf("ID = %s, want fix-0042", imp.ID)
	}
	if imp.Title != "Harden config parsing" {
		t.Errorf("Title = %q", imp.Title)
	}
	if len(imp.Changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(imp.Changes))
	}
	if imp.Changes[0].Kind != KindCreate {
		t.Errorf("Kind = %s, want create", imp.Changes[0].Kind)
	}
	if !filepath.IsAbs(imp.Changes[0].Path) {
		t.Errorf("expected absolute resolved path, got %s", imp.Changes[0].Path)
	}
	if imp.VerificationScript != "exit 0" {
		t.Errorf("VerificationScript = %q", imp.VerificationScript)
	}
}

func TestGenerateStripsMarkdownFences(t *testing.T) {
	fenced := "```json\n" + goodResponse + "\n```"
	g := NewGenerator(&mockClient{response: fenced}, t.TempDir())

	imp, err := g.Generate(context.Background(), testOpportunity())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if imp == nil {
		t.Fatal("expected fenced JSON to parse")
	}
}

func TestGenerateMalformedResponseSkips(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"not json", "I would suggest improving the parser."},
		{"missing title", `{"title": "", "changes": [{"file_path": "a.go", "change_type": "create", "content": "package a"}]}`},
		{"no changes", `{"title": "x", "changes": []}`},
		{"bad change type", `{"title": "x", "changes": [{"file_path": "a.go", "change_type": "rewrite", "content": "package a"}]}`},
		{"empty path", `{"title": "x", "changes": [{"file_path": "", "change_type": "create", "content": "package a"}]}`},
		{"empty content", `{"title": "x", "changes": [{"file_path": "a.go", "change_type": "create", "content": ""}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGenerator(&mockClient{response: tt.response}, t.TempDir())
			imp, err := g.Generate(context.Background(), testOpportunity())
			if err != nil {
				t.Fatalf("malformed response must not be an error: %v", err)
			}
			if imp != nil {
				t.Fatal("expected nil improvement for malformed response")
			}
		})
	}
}

func TestGenerateTransportErrorPropagates(t *testing.T) {
	g := NewGenerator(&mockClient{err: errors.New("connection refused")}, t.TempDir())

	_, err := g.Generate(context.Background(), testOpportunity())
	if err == nil {
		t.Fatal("expected transport error to propagate")
	}
}

func TestGenerateRejectsPathEscape(t *testing.T) {
	tests := []string{"../outside.go", "/etc/passwd", "a/../../escape.go"}

	for _, path := range tests {
		t.Run(path, func(t *testing.T) {
			resp := strings.Replace(goodResponse, "tools/config_parser.go", path, 1)
			g := NewGenerator(&mockClient{response: resp}, t.TempDir())

			imp, err := g.Generate(context.Background(), testOpportunity())
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if imp != nil {
				t.Fatalf("expected path %q to be rejected", path)
			}
		})
	}
}

func TestValidateAcceptsValidGo(t *testing.T) {
	g := NewGenerator(&mockClient{}, t.TempDir())
	imp := &Improvement{
		ID:    "x",
		Title: "valid",
		Changes: []CodeChange{{
			Path:       filepath.Join(t.TempDir(), "ok.go"),
			Kind:       KindCreate,
			NewContent: "package ok\n\nfunc F() int { return 1 }\n",
		}},
	}

	ok, problems := g.Validate(imp)
	if !ok {
		t.Fatalf("expected valid Go to pass: %v", problems)
	}
}

func TestValidateAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(&mockClient{}, dir)
	imp := &Improvement{
		ID:    "x",
		Title: "mixed",
		Changes: []CodeChange{
			{
				Path:       filepath.Join(dir, "good.go"),
				Kind:       KindCreate,
				NewContent: "package good\n",
			},
			{
				Path:       filepath.Join(dir, "bad.go"),
				Kind:       KindCreate,
				NewContent: "package bad\n\nfunc {{{\n",
			},
		},
	}

	ok, problems := g.Validate(imp)
	if ok {
		t.Fatal("one invalid file must reject the whole improvement")
	}
	if len(problems) == 0 {
		t.Fatal("expected problems to name the bad file")
	}
}

func TestValidateCapturesOldContent(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "existing.go")
	original := "package existing\n"
	if err := os.WriteFile(target, []byte(original), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	g := NewGenerator(&mockClient{}, dir)
	imp := &Improvement{
		ID:    "x",
		Title: "modify",
		Changes: []CodeChange{{
			Path:       target,
			Kind:       KindModify,
			NewContent: "package existing\n\nfunc New() {}\n",
		}},
	}

	ok, problems := g.Validate(imp)
	if !ok {
		t.Fatalf("Validate: %v", problems)
	}
	if imp.Changes[0].OldContent != original {
		t.Errorf("OldContent = %q, want original content", imp.Changes[0].OldContent)
	}
}

func TestValidateModifyOfMissingFileBecomesCreate(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(&mockClient{}, dir)
	imp := &Improvement{
		ID:    "x",
		Title: "modify missing",
		Changes: []CodeChange{{
			Path:       filepath.Join(dir, "missing.go"),
			Kind:       KindModify,
			NewContent: "package missing\n",
		}},
	}

	ok, problems := g.Validate(imp)
	if !ok {
		t.Fatalf("Validate: %v", problems)
	}
	if imp.Changes[0].Kind != KindCreate {
		t.Errorf("Kind = %s, want create", imp.Changes[0].Kind)
	}
}

func TestValidatePythonSyntax(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(&mockClient{}, dir)

	tests := []struct {
		name    string
		content string
		wantOK  bool
	}{
		{"valid python", "def f():\n    return 1\n", true},
		{"invalid python", "def f(:\n    return\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			imp := &Improvement{
				ID:    "x",
				Title: tt.name,
				Changes: []CodeChange{{
					Path:       filepath.Join(dir, "tool.py"),
					Kind:       KindCreate,
					NewContent: tt.content,
				}},
			}
			ok, _ := g.Validate(imp)
			if ok != tt.wantOK {
				t.Errorf("Validate = %v, want %v", ok, tt.wantOK)
			}
		})
	}
}

func TestPromptIncludesOpportunityContext(t *testing.T) {
	mock := &mockClient{response: goodResponse}
	g := NewGenerator(mock, t.TempDir())

	if _, err := g.Generate(context.Background(), testOpportunity()); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(mock.lastUser, "fix-0042") {
		t.Error("prompt missing opportunity id")
	}
	if !strings.Contains(mock.lastUser, "config parse error") {
		t.Error("prompt missing opportunity context")
	}
}
