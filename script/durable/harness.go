package durable

import (
	"bytes"
	_ "embed"
	"fmt"
	"go/parser"
	"go/token"
	gover "go/version"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"text/template"

	"github.com/BaSui01/capflow/script/deps"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
)

// unitModule is the module path of every generated workspace.
const unitModule = "capflow.local/unit"

//go:embed harness.go.tmpl
var harnessSource string

var harnessTemplate = template.Must(template.New("harness").Parse(harnessSource))

// renderHarness generates main.go for a unit whose entry type is entryType.
func renderHarness(entryType string) ([]byte, error) {
	if !token.IsIdentifier(entryType) {
		return nil, fmt.Errorf("invalid entry type %q", entryType)
	}
	var buf bytes.Buffer
	if err := harnessTemplate.Execute(&buf, struct{ EntryType string }{entryType}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// asMainPackage rewrites the package clause of src to "package main".
func asMainPackage(src string) (string, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "unit.go", src, parser.PackageClauseOnly)
	if err != nil {
		return "", err
	}
	if f.Name.Name == "main" {
		return src, nil
	}
	start := fset.Position(f.Package).Offset
	end := fset.Position(f.Name.End()).Offset
	return src[:start] + "package main" + src[end:], nil
}

// HostModule is a module the host binary was built with.
type HostModule struct {
	Path    string
	Version string
	Dir     string
}

// HostModules lists the host's build dependencies that exist in the local
// module cache. They are added to every unit so user code can import them.
var HostModules = sync.OnceValue(func() []HostModule {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	root := moduleCache()
	var out []HostModule
	for _, dep := range info.Deps {
		m := dep
		if m.Replace != nil {
			m = m.Replace
		}
		if m.Version == "" {
			continue
		}
		ep, err := module.EscapePath(m.Path)
		if err != nil {
			continue
		}
		ev, err := module.EscapeVersion(m.Version)
		if err != nil {
			continue
		}
		dir := filepath.Join(root, filepath.FromSlash(ep)+"@"+ev)
		if fi, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil && !fi.IsDir() {
			out = append(out, HostModule{Path: m.Path, Version: m.Version, Dir: dir})
		}
	}
	return out
})

func moduleCache() string {
	if v := os.Getenv("GOMODCACHE"); v != "" {
		return v
	}
	gopath := os.Getenv("GOPATH")
	if gopath == "" {
		home, _ := os.UserHomeDir()
		gopath = filepath.Join(home, "go")
	}
	return filepath.Join(strings.Split(gopath, string(os.PathListSeparator))[0], "pkg", "mod")
}

// goDirective is the language version written into generated go.mod files.
func goDirective() string {
	if lang := gover.Lang(runtime.Version()); lang != "" {
		return strings.TrimPrefix(lang, "go")
	}
	return "1.24"
}

// renderGoMod writes a go.mod that requires and replaces every library with
// its extracted directory, so the build never consults a proxy.
func renderGoMod(libs []deps.Library, host []HostModule) ([]byte, error) {
	f := new(modfile.File)
	if err := f.AddModuleStmt(unitModule); err != nil {
		return nil, err
	}
	if err := f.AddGoStmt(goDirective()); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(libs)+len(host))
	add := func(path, version, dir string) error {
		if seen[path] {
			return nil
		}
		seen[path] = true
		if err := f.AddRequire(path, version); err != nil {
			return err
		}
		return f.AddReplace(path, "", dir, "")
	}
	for _, lib := range libs {
		if err := add(lib.Path, lib.Version, lib.Dir); err != nil {
			return nil, err
		}
	}
	for _, m := range host {
		if err := add(m.Path, m.Version, m.Dir); err != nil {
			return nil, err
		}
	}
	f.Cleanup()
	return f.Format()
}
