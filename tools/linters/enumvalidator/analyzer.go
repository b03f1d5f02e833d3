// Package enumvalidator flags string literals assigned to enum-typed fields.
//
// An enum here is a named string type with at least one typed constant in its
// package, such as model.Provider or queue.Priority. Writing the literal instead
// of the constant compiles fine and silently breaks lookups keyed by the enum.
package enumvalidator

import (
	"go/ast"
	"go/token"
	"go/types"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
)

var Analyzer = &analysis.Analyzer{
	Name:     "enumvalidator",
	Doc:      "reports string literals assigned to enum-typed struct fields",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

func run(pass *analysis.Pass) (any, error) {
	insp := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)
	enums := map[*types.Named]bool{}

	filter := []ast.Node{(*ast.AssignStmt)(nil), (*ast.CompositeLit)(nil)}
	insp.Preorder(filter, func(n ast.Node) {
		switch node := n.(type) {
		case *ast.AssignStmt:
			for i, lhs := range node.Lhs {
				sel, ok := lhs.(*ast.SelectorExpr)
				if !ok || i >= len(node.Rhs) {
					continue
				}
				check(pass, enums, sel.Sel.Name, pass.TypesInfo.TypeOf(sel), node.Rhs[i])
			}
		case *ast.CompositeLit:
			for _, elt := range node.Elts {
				kv, ok := elt.(*ast.KeyValueExpr)
				if !ok {
					continue
				}
				key, ok := kv.Key.(*ast.Ident)
				if !ok {
					continue
				}
				check(pass, enums, key.Name, pass.TypesInfo.TypeOf(kv.Key), kv.Value)
			}
		}
	})
	return nil, nil
}

func check(pass *analysis.Pass, enums map[*types.Named]bool, field string, typ types.Type, value ast.Expr) {
	lit, ok := value.(*ast.BasicLit)
	if !ok || lit.Kind != token.STRING {
		return
	}
	named, ok := typ.(*types.Named)
	if !ok || !isEnum(named, enums) {
		return
	}
	pass.Reportf(lit.Pos(), "enum field %s assigned string literal %s; use a %s constant", field, lit.Value, named.Obj().Name())
}

func isEnum(named *types.Named, enums map[*types.Named]bool) bool {
	if v, ok := enums[named]; ok {
		return v
	}

	found := false
	basic, ok := named.Underlying().(*types.Basic)
	if ok && basic.Kind() == types.String && named.Obj().Pkg() != nil {
		scope := named.Obj().Pkg().Scope()
		for _, name := range scope.Names() {
			if c, ok := scope.Lookup(name).(*types.Const); ok && types.Identical(c.Type(), named) {
				found = true
				break
			}
		}
	}
	enums[named] = found
	return found
}
