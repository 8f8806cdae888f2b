// Package enumvalidator reports string literals assigned to struct fields
// whose type is a named string enum. Enum fields take the declared constants,
// never raw literals.
package enumvalidator

import (
	"go/ast"
	"go/token"
	"go/types"

	"golang.org/x/tools/go/analysis"
)

var Analyzer = &analysis.Analyzer{
	Name: "enumvalidator",
	Doc:  "reports string literals assigned to named string enum fields",
	Run:  run,
}

func run(pass *analysis.Pass) (any, error) {
	for _, file := range pass.Files {
		ast.Inspect(file, func(n ast.Node) bool {
			assign, ok := n.(*ast.AssignStmt)
			if !ok {
				return true
			}
			for i, lhs := range assign.Lhs {
				if i >= len(assign.Rhs) {
					break
				}
				sel, ok := lhs.(*ast.SelectorExpr)
				if !ok {
					continue
				}
				lit, ok := assign.Rhs[i].(*ast.BasicLit)
				if !ok || lit.Kind != token.STRING {
					continue
				}
				if !isNamedString(pass.TypesInfo.TypeOf(sel)) {
					continue
				}
				pass.Reportf(assign.Pos(), "enum field %s assigned string literal", sel.Sel.Name)
			}
			return true
		})
	}
	return nil, nil
}

func isNamedString(t types.Type) bool {
	named, ok := t.(*types.Named)
	if !ok {
		return false
	}
	basic, ok := named.Underlying().(*types.Basic)
	return ok && basic.Kind() == types.String
}
