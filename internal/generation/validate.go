package generation

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Validate syntax-checks every proposed change and captures prior file
// content for modify/delete changes so rollback has something to restore.
// Validation is all-or-nothing: one bad file rejects the whole improvement.
func (g *Generator) Validate(imp *Improvement) (bool, []string) {
	if imp == nil {
		return false, []string{"no improvement"}
	}

	var problems []string
	for i := range imp.Changes {
		ch := &imp.Changes[i]

		// Capture prior content for rollback and review.
		if ch.Kind == KindModify || ch.Kind == KindDelete {
			if data, err := os.ReadFile(ch.Path); err == nil {
				ch.OldContent = string(data)
			} else if ch.Kind == KindModify {
				// Modify of a missing file is really a create.
				ch.Kind = KindCreate
			}
		}

		if ch.Kind == KindDelete {
			continue
		}

		if err := checkSyntax(ch.Path, []byte(ch.NewContent)); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", ch.Path, err))
		}
	}

	if len(problems) > 0 {
		g.log.Warn("validation rejected %q: %v", imp.Title, problems)
		return false, problems
	}
	return true, nil
}

// checkSyntax parses content according to the file extension. Unknown
// extensions are accepted as-is (configs, docs, shell scripts).
func checkSyntax(path string, content []byte) error {
	switch filepath.Ext(path) {
	case ".go":
		fset := token.NewFileSet()
		_, err := parser.ParseFile(fset, filepath.Base(path), content, parser.AllErrors)
		if err != nil {
			return fmt.Errorf("go syntax: %w", err)
		}
		return nil
	case ".py":
		return treeSitterCheck(python.GetLanguage(), content)
	case ".js":
		return treeSitterCheck(javascript.GetLanguage(), content)
	case ".ts":
		return treeSitterCheck(typescript.GetLanguage(), content)
	}
	return nil
}

// treeSitterCheck parses content with the given grammar and reports
// whether the tree contains error nodes.
func treeSitterCheck(lang *sitter.Language, content []byte) error {
	p := sitter.NewParser()
	defer p.Close()
	p.SetLanguage(lang)

	tree, err := p.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return fmt.Errorf("parse failed: %w", err)
	}
	defer tree.Close()

	if tree.RootNode().HasError() {
		return fmt.Errorf("syntax error")
	}
	return nil
}
