// Package durable compiles dynamic code into standalone executables and runs
// each invocation in its own child process.
//
// A unit's workspace lives under <TempRoot>/<key>/:
//
//	unit.go   user source, package clause rewritten to main
//	main.go   generated harness: Env, protocol loop, panic recovery
//	go.mod    require + directory replace for every resolved library
//	unit      the artifact; a non-empty file means the build is cached
//
// The build runs with GOPROXY=off, so a dependency that was not resolved
// up front fails the build instead of being fetched implicitly.
//
// The host and the unit exchange JSON lines over fd 3 and fd 4 (see Message).
// After every call the process is killed and reaped and the host forces a
// garbage collection pass, so no state survives into the next call.
package durable
