// Package rediscmd implements the redis_command capability: one Redis command
// per call, rendered from the Command setting.
package rediscmd
