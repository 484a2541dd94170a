// Package quick runs snippet-style dynamic code in-process through the yaegi
// interpreter.
//
// A snippet is a list of statements, optionally preceded by import
// declarations. It is wrapped into
//
//	func Run(env *capflowenv.Env) (result any, err error)
//
// so statements can use env, return a value or assign the named results.
// Each key is interpreted once; later calls reuse the compiled function with
// fresh bindings. Resolved libraries are exposed to the interpreter through a
// per-dependency-set GOPATH of symlinks.
package quick
