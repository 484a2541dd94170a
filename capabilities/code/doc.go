// Package code serves the code capability kind: the definition's Code setting
// is handed to the script runner, which picks durable or quick mode from the
// source itself. EntryType overrides the configured durable entry type.
package code
