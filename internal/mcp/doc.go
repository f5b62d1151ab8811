// Package mcp implements the client side of the Model Context Protocol:
// JSON-RPC 2.0 envelopes, four interchangeable transports, and a
// protocol client that correlates requests with responses.
//
// Every transport satisfies the same three-method [Transport] interface
// and reports inbound traffic through a [Handler]:
//
//   - [InMemoryTransport]: a linked pair of in-process channels, used
//     for built-in servers running inside toolhost. [Serve] connects
//     the server end to an mcp-go server.
//   - [StdioTransport]: a child process speaking newline-delimited
//     JSON-RPC over stdin/stdout.
//   - [SSETransport]: the legacy HTTP+SSE transport. A long-lived GET
//     stream carries server messages; client messages are POSTed to an
//     endpoint the server announces on the stream.
//   - [StreamableHTTPTransport]: one endpoint, one POST per message,
//     with responses returned as JSON or as an event stream.
//
// [Client] sits on top of a transport and is unaware of which one it
// holds. Connection pooling, retries and tool naming live in the
// connmgr and invoker packages.
package mcp
