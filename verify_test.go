// Package plume_admin_test checks repository-wide invariants that no single
// package test can see: the binary reaches every package, every catalog
// permission has a consumer, every audit action is emitted, and every store
// method is tested against both backends.
package plume_admin_test

import (
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modulePath = "github.com/txn2/plume-admin"

// sourceRoots are the directories holding production code.
var sourceRoots = []string{"cmd", "internal", "pkg"}

func isSource(name string) bool {
	return strings.HasSuffix(name, ".go") && !strings.HasSuffix(name, "_test.go")
}

func hasSources(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	return slices.ContainsFunc(entries, func(e os.DirEntry) bool {
		return !e.IsDir() && isSource(e.Name())
	})
}

// parseDir parses the non-test Go files of one directory.
func parseDir(t *testing.T, dir string, mode parser.Mode) []*ast.File {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	fset := token.NewFileSet()
	var files []*ast.File
	for _, e := range entries {
		if e.IsDir() || !isSource(e.Name()) {
			continue
		}
		f, err := parser.ParseFile(fset, filepath.Join(dir, e.Name()), nil, mode)
		require.NoError(t, err)
		files = append(files, f)
	}
	return files
}

// packageDirs lists every directory under roots with non-test Go files.
func packageDirs(t *testing.T, roots ...string) []string {
	t.Helper()
	var dirs []string
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() && hasSources(path) {
				dirs = append(dirs, filepath.ToSlash(path))
			}
			return nil
		})
		require.NoError(t, err)
	}
	return dirs
}

// selectorsOf collects Name for every pkg.Name selector in production code
// outside skipDir.
func selectorsOf(t *testing.T, pkg, skipDir string) map[string]bool {
	t.Helper()
	used := map[string]bool{}
	for _, dir := range packageDirs(t, sourceRoots...) {
		if dir == skipDir {
			continue
		}
		for _, f := range parseDir(t, dir, 0) {
			ast.Inspect(f, func(n ast.Node) bool {
				sel, ok := n.(*ast.SelectorExpr)
				if !ok {
					return true
				}
				if id, ok := sel.X.(*ast.Ident); ok && id.Name == pkg {
					used[sel.Sel.Name] = true
				}
				return true
			})
		}
	}
	return used
}

// stringConsts returns the exported string constants declared in file,
// limited to those of typeName when it is set.
func stringConsts(t *testing.T, file, typeName string) []string {
	t.Helper()
	f, err := parser.ParseFile(token.NewFileSet(), file, nil, 0)
	require.NoError(t, err)

	var names []string
	for _, decl := range f.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.CONST {
			continue
		}
		for _, spec := range gen.Specs {
			vs := spec.(*ast.ValueSpec)
			if typeName != "" {
				if id, ok := vs.Type.(*ast.Ident); !ok || id.Name != typeName {
					continue
				}
			}
			for i, name := range vs.Names {
				if !name.IsExported() || i >= len(vs.Values) {
					continue
				}
				if lit, ok := vs.Values[i].(*ast.BasicLit); ok && lit.Kind == token.STRING {
					names = append(names, name.Name)
				}
			}
		}
	}
	return names
}

func TestPackagesReachableFromBinary(t *testing.T) {
	reached := map[string]bool{}
	queue := []string{"cmd/plume-admin"}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]
		if reached[dir] {
			continue
		}
		reached[dir] = true
		for _, f := range parseDir(t, dir, parser.ImportsOnly) {
			for _, imp := range f.Imports {
				path, err := strconv.Unquote(imp.Path.Value)
				require.NoError(t, err)
				if rel, ok := strings.CutPrefix(path, modulePath+"/"); ok {
					queue = append(queue, rel)
				}
			}
		}
	}

	dirs := packageDirs(t, "pkg", "internal")
	require.NotEmpty(t, dirs)
	for _, dir := range dirs {
		assert.True(t, reached[dir], "%s is not imported on any path from cmd/plume-admin", dir)
	}
}

// collaboratorPermissions are checked by the applications behind this
// service rather than by a route or guard in this module.
var collaboratorPermissions = map[string]string{
	"ViewProfile":   "profile pages",
	"EditProfile":   "profile pages",
	"ViewContent":   "case-file and gas property browsers",
	"CreateContent": "case-file browser",
	"EditContent":   "case-file browser",
	"DeleteContent": "case-file browser",
	"ManageSystem":  "simulator settings",
}

func TestCatalogPermissionsHaveConsumers(t *testing.T) {
	consts := stringConsts(t, "pkg/permission/catalog.go", "")
	require.Len(t, consts, 14)
	used := selectorsOf(t, "permission", "pkg/permission")

	for _, name := range consts {
		if _, external := collaboratorPermissions[name]; external {
			continue
		}
		assert.True(t, used[name], "permission.%s is in the catalog but no route or guard checks it", name)
	}
	for name := range collaboratorPermissions {
		assert.Contains(t, consts, name, "collaboratorPermissions lists %s, which is not a catalog constant", name)
	}
}

func TestAuditActionsAreRecorded(t *testing.T) {
	actions := stringConsts(t, "pkg/audit/event.go", "Action")
	require.NotEmpty(t, actions)
	used := selectorsOf(t, "audit", "pkg/audit")

	for _, name := range actions {
		assert.True(t, used[name], "audit.%s is declared but never recorded", name)
	}
}

// interfaceMethods returns the method names of the named interface in dir.
func interfaceMethods(t *testing.T, dir, name string) []string {
	t.Helper()
	var methods []string
	for _, f := range parseDir(t, dir, 0) {
		ast.Inspect(f, func(n ast.Node) bool {
			ts, ok := n.(*ast.TypeSpec)
			if !ok || ts.Name.Name != name {
				return true
			}
			it, ok := ts.Type.(*ast.InterfaceType)
			if !ok {
				return false
			}
			for _, m := range it.Methods.List {
				for _, id := range m.Names {
					methods = append(methods, id.Name)
				}
			}
			return false
		})
	}
	return methods
}

// testSource concatenates the _test.go files of dir.
func testSource(t *testing.T, dir string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*_test.go"))
	require.NoError(t, err)
	var b strings.Builder
	for _, m := range matches {
		data, err := os.ReadFile(m) //nolint:gosec // paths come from Glob over the repo
		require.NoError(t, err)
		b.Write(data)
	}
	return b.String()
}

func TestStoreMethodsTestedOnEveryBackend(t *testing.T) {
	tests := []struct {
		iface    string
		dir      string
		backends []string
	}{
		{iface: "Store", dir: "pkg/identity", backends: []string{"pkg/identity", "pkg/identity/postgres"}},
		{iface: "Logger", dir: "pkg/audit", backends: []string{"pkg/audit", "pkg/audit/postgres"}},
	}
	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			methods := interfaceMethods(t, tt.dir, tt.iface)
			require.NotEmpty(t, methods)
			for _, backend := range tt.backends {
				src := testSource(t, backend)
				for _, m := range methods {
					call := regexp.MustCompile(`\.` + m + `\(`)
					assert.True(t, call.MatchString(src), "%s.%s has no test in %s", tt.iface, m, backend)
				}
			}
		})
	}
}
