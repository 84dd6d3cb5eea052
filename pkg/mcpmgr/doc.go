// Package mcpmgr manages client sessions to any number of Model Context
// Protocol (MCP) servers from a single Go process, caches what each server
// offers, and routes model function calls to the right server. It builds on
// the modelcontextprotocol/go-sdk client.
//
// # Core entry points
//
//   - Manager is the long-lived service. Construct it with NewManager over a
//     kvstore.Store, call Load and Rehydrate at startup, then use
//     RegisterServer / ConnectServer / DisconnectServer.
//   - ServerDescriptor (and its wire form DescriptorSpec) declares how a
//     server is reached: a spawned process, an event stream, or streaming
//     HTTP.
//   - Registry owns connection lifecycles. Cache holds the tools, prompts,
//     and resources last fetched from each connected server. Bridge resolves
//     a tool name to a server and normalizes the result for the model.
//     Rehydrator revalidates servers after a restart.
//
// Errors carry a kind (ErrNotConnected, ErrTimeout, ErrToolNotFound, and so
// on) that can be tested with errors.Is, plus the server and capability
// involved.
//
// AsProcess and EndpointOf summarize a descriptor's transport for display.
package mcpmgr
