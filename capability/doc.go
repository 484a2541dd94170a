// Package capability turns stored capability definitions into callable functions.
//
// Each kind is served by one Handler registered in a Registry. Register builds
// the Function view of a definition (nine optional positional string
// parameters plus descriptions taken from its settings) and adds it to a
// Catalog, which the composite planner reads. Invoker is the uniform entry
// point: it packs parameters, dispatches by kind and records a run id, a log
// line, metrics and a trace span per call. Library holds the enabled
// definitions and connections and can be reloaded from a file or a store.
package capability
