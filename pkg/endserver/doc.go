// Package endserver owns the connection to a single backend ("end") MCP
// server on behalf of the Nexus gateway. It layers request correlation,
// authorization-failure detection, and notification dispatch on top of the
// raw JSON-RPC connections exposed by the modelcontextprotocol/go-sdk
// transports.
//
// # Core entry points
//
//   - Descriptor is the declarative description of one end server as
//     delivered by a configuration snapshot: display metadata, required
//     environment variables, optional access token, and a TransportConfig.
//   - TransportConfig (and the StdioConfig / HTTPConfig variants) declare how
//     the server is launched or contacted. TransportOf names the family;
//     AsStdio and AsHTTP narrow to a non-nil variant.
//   - Actor is the runtime object bound to one Descriptor. Construct it with
//     NewActor, then call Connect (or CreateTransport, StartTransport, and
//     InitializeConnection individually) before issuing ListTools or CallTool.
//
// An Actor keeps its own pending-request table keyed by a monotonically
// increasing request id. Responses are matched by id regardless of arrival
// order. When the transport closes, every pending request fails with a
// *TransportClosedError carrying the close reason. Backend errors that look
// like an authorization failure close the transport with ReasonUnauthorized.
package endserver
