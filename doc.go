// Package mcp implements the client side of the Model Context Protocol (MCP),
// the JSON-RPC 2.0 dialect that connects LLM applications to external servers
// exposing tools, resources, prompts, completions, and logging. This
// implementation follows the official specification from
// https://spec.modelcontextprotocol.io/specification/.
//
// The package centers on a session Coordinator that owns one of three wire
// transports (child-process stdio, legacy HTTP+SSE, or Streamable HTTP),
// negotiates protocol version and capabilities, correlates requests with
// responses, and dispatches server-initiated notifications and requests to
// registered handlers. Higher layers build domain objects on top of the
// Coordinator's typed request helpers.
package mcp
