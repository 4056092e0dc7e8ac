// Command devtreelint cross-checks the device tree paths a driver
// asks for ("/ide@1f0", "/keyboard@60", ...) against what an actual
// flattened device tree blob contains, catching the class of bug where
// a driver's hardcoded path drifts from the board's devicetree source
// without either side failing to compile.
package main

import (
	"fmt"
	"go/ast"
	"os"
	"regexp"
	"sort"

	"golang.org/x/tools/go/packages"

	"onix/src/fdt"
)

var pathLiteral = regexp.MustCompile(`^/[A-Za-z0-9@_-]+(/[A-Za-z0-9@_-]+)*$`)

// fdtMethods is the set of Tree_t methods whose first string argument
// is a device tree path, the call sites this tool scans for.
var fdtMethods = map[string]bool{
	"Reg":             true,
	"Interrupts":      true,
	"ClockFrequency":  true,
	"Keymap":          true,
	"NodeEnabled":     true,
	"GetProp":         true,
	"InterruptCells":  true,
	"NodesWithPrefix": true,
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <devicetree.dtb>\n", os.Args[0])
		os.Exit(2)
	}

	blob, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	tree, err := fdt.Parse(blob)
	if err != nil {
		fmt.Fprintln(os.Stderr, "parsing device tree:", err)
		os.Exit(1)
	}
	present := map[string]bool{}
	for _, n := range tree.Nodes {
		present[n.Path] = true
	}

	referenced, err := referencedPaths("onix/...")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var problems []string
	for path, sites := range referenced {
		if !pathLiteral.MatchString(path) {
			continue
		}
		if !present[path] {
			problems = append(problems, fmt.Sprintf("%s: referenced at %v but absent from the device tree", path, sites))
		}
	}
	for path := range present {
		if path == "/" {
			continue
		}
		if _, ok := referenced[path]; !ok {
			problems = append(problems, fmt.Sprintf("%s: present in the device tree but no driver references it", path))
		}
	}
	sort.Strings(problems)
	for _, p := range problems {
		fmt.Println(p)
	}
	if len(problems) > 0 {
		os.Exit(1)
	}
}

// referencedPaths loads pattern with go/packages and collects every
// string literal passed as the path argument to a Tree_t lookup
// method, keyed by path with the call sites (file:line) that use it.
func referencedPaths(pattern string) (map[string][]string, error) {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedSyntax | packages.NeedTypes | packages.NeedTypesInfo,
	}
	pkgs, err := packages.Load(cfg, pattern)
	if err != nil {
		return nil, fmt.Errorf("loading packages: %w", err)
	}

	out := map[string][]string{}
	for _, pkg := range pkgs {
		for _, file := range pkg.Syntax {
			ast.Inspect(file, func(n ast.Node) bool {
				call, ok := n.(*ast.CallExpr)
				if !ok {
					return true
				}
				sel, ok := call.Fun.(*ast.SelectorExpr)
				if !ok || !fdtMethods[sel.Sel.Name] {
					return true
				}
				if len(call.Args) == 0 {
					return true
				}
				lit, ok := call.Args[0].(*ast.BasicLit)
				if !ok {
					return true
				}
				path, ok := unquote(lit.Value)
				if !ok {
					return true
				}
				pos := pkg.Fset.Position(call.Pos())
				site := fmt.Sprintf("%s:%d", pos.Filename, pos.Line)
				out[path] = append(out[path], site)
				return true
			})
		}
	}
	return out, nil
}

func unquote(s string) (string, bool) {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", false
	}
	return s[1 : len(s)-1], true
}
