package script

import (
	"crypto/sha256"
	"encoding/hex"
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"strings"

	"github.com/BaSui01/capflow/script/deps"
	"github.com/BaSui01/capflow/types"
)

// CommandMarker starts a shell setup command line.
const CommandMarker = "//$ "

// fetchDirective matches
//
//	reference "package-repository: <module>, <range>" [optional]
//
// anywhere in a line, optionally behind a line comment.
var fetchDirective = regexp.MustCompile(`(?://\s*)?reference\s+"package-repository:\s*([^,"\s]+)\s*(?:,\s*([^"]*?))?\s*"(?:[ \t]+(optional)\b)?`)

// Source is user code with its directives extracted.
type Source struct {
	// Code is the source with directive lines blanked. Line numbers are preserved.
	Code     string
	Requests []deps.Request
	Commands []string
	// Hash is the SHA-256 of Code in hex.
	Hash string
}

// Parse extracts fetch-package and shell-command directives from code.
// Invalid version ranges are reported as a config error naming the package.
func Parse(code string) (*Source, error) {
	lines := strings.Split(code, "\n")
	src := &Source{}

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, CommandMarker) || trimmed == strings.TrimSpace(CommandMarker) {
			if cmd := strings.TrimSpace(strings.TrimPrefix(trimmed, strings.TrimSpace(CommandMarker))); cmd != "" {
				src.Commands = append(src.Commands, cmd)
			}
			lines[i] = ""
			continue
		}

		matches := fetchDirective.FindAllStringSubmatch(line, -1)
		if len(matches) == 0 {
			continue
		}
		for _, m := range matches {
			req := deps.Request{Path: m[1], Range: strings.TrimSpace(m[2]), Optional: m[3] != ""}
			if _, err := deps.ParseRange(req.Range); err != nil {
				return nil, types.NewConfigError("package-repository", "invalid version range for "+req.Path).WithCause(err)
			}
			src.Requests = append(src.Requests, req)
		}
		rest := strings.TrimSpace(fetchDirective.ReplaceAllString(line, ""))
		if rest == "" || rest == "//" {
			lines[i] = ""
		} else {
			lines[i] = fetchDirective.ReplaceAllString(line, "")
		}
	}

	src.Code = strings.Join(lines, "\n")
	src.Hash = Hash(src.Code)
	return src, nil
}

// Hash returns the hex SHA-256 of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// UnitKey addresses a compiled unit: stripped source plus its dependency set.
func UnitKey(src *Source, depsHash string) string {
	return Hash(src.Code + "\x00" + depsHash)
}

// Mode selects how code is compiled and run.
type Mode string

const (
	// ModeDurable compiles a standalone executable and runs each call in its own process.
	ModeDurable Mode = "durable"
	// ModeQuick interprets a snippet in-process.
	ModeQuick Mode = "quick"
)

// DetectMode returns ModeDurable when code is a Go file declaring entryType
// with a Run method on the value or the pointer. Anything else is a snippet.
func DetectMode(code, entryType string) Mode {
	f, err := parser.ParseFile(token.NewFileSet(), "unit.go", code, parser.SkipObjectResolution)
	if err != nil {
		return ModeQuick
	}

	declared, hasRun := false, false
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				if ts, ok := spec.(*ast.TypeSpec); ok && ts.Name.Name == entryType {
					declared = true
				}
			}
		case *ast.FuncDecl:
			if d.Name.Name == "Run" && receiverName(d) == entryType {
				hasRun = true
			}
		}
	}
	if declared && hasRun {
		return ModeDurable
	}
	return ModeQuick
}

func receiverName(fn *ast.FuncDecl) string {
	if fn.Recv == nil || len(fn.Recv.List) == 0 {
		return ""
	}
	expr := fn.Recv.List[0].Type
	if star, ok := expr.(*ast.StarExpr); ok {
		expr = star.X
	}
	if id, ok := expr.(*ast.Ident); ok {
		return id.Name
	}
	return ""
}
