package quick

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/BaSui01/capflow/types"
)

// envImportPath is the import path of the Env API inside the interpreter.
const envImportPath = "github.com/BaSui01/capflow/script/env"

// wrapped is a snippet turned into a compilable file.
type wrapped struct {
	source string
	// offset is the number of wrapper lines before the first snippet line.
	offset int
}

// wrap turns a snippet (optional imports followed by statements) into
//
//	package main
//	import (...)
//	func Run(env *capflowenv.Env) (result any, err error) { <statements>; return }
//
// Import lines are blanked in place so snippet line numbers survive.
func wrap(code string) wrapped {
	imports, body := splitImports(code)

	var b strings.Builder
	b.WriteString("package main\n\nimport (\n")
	b.WriteString("\tcapflowenv \"" + envImportPath + "\"\n")
	for _, spec := range imports {
		b.WriteString("\t" + spec + "\n")
	}
	b.WriteString(")\n\nfunc Run(env *capflowenv.Env) (result any, err error) {\n")
	offset := strings.Count(b.String(), "\n")
	b.WriteString(body)
	b.WriteString("\n\treturn\n}\n")
	return wrapped{source: b.String(), offset: offset}
}

// splitImports removes leading import declarations from code and returns their specs.
func splitImports(code string) ([]string, string) {
	lines := strings.Split(code, "\n")
	var specs []string
	inBlock := false

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case inBlock:
			if trimmed == ")" {
				inBlock = false
			} else if trimmed != "" && !strings.HasPrefix(trimmed, "//") {
				specs = append(specs, trimmed)
			}
			lines[i] = ""
		case trimmed == "" || strings.HasPrefix(trimmed, "//"):
			continue
		case trimmed == "import (":
			inBlock = true
			lines[i] = ""
		case strings.HasPrefix(trimmed, "import "):
			specs = append(specs, strings.TrimSpace(strings.TrimPrefix(trimmed, "import ")))
			lines[i] = ""
		default:
			return specs, strings.Join(lines, "\n")
		}
	}
	return specs, strings.Join(lines, "\n")
}

var interpDiagnostic = regexp.MustCompile(`(?:([^\s:]+\.go):)?(\d+):(\d+): (.+)`)

// diagnostics maps interpreter errors back to snippet lines.
func (w wrapped) diagnostics(err error) []types.Diagnostic {
	var out []types.Diagnostic
	for _, line := range strings.Split(err.Error(), "\n") {
		m := interpDiagnostic.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		d := types.Diagnostic{File: "snippet", Message: m[4]}
		d.Line, _ = strconv.Atoi(m[2])
		d.Column, _ = strconv.Atoi(m[3])
		if d.Line > w.offset {
			d.Line -= w.offset
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		out = append(out, types.Diagnostic{Message: err.Error()})
	}
	return out
}

// text renders a script result.
func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
