// Package mcpapi exposes an mcpmgr.Manager as a JSON HTTP API.
//
// The routes connect, disconnect, and register servers. They also list and
// call tools, prompts, and resources, and dispatch a tool by name across the
// connected servers. When Options.NewChat is set, /api/chat drives model
// conversations that use those tools. Errors are returned as
// {"error": ..., "kind": ...} with a status derived from the mcpmgr error
// kind.
package mcpapi
