// Package mcpgateway exposes a single MCP server that aggregates the tools of
// many end servers. A Registry owns one endserver.Actor per end server and
// qualifies backend tool names as "<tool>_<namespace>_nxs"; a Reconciler
// keeps the registry in line with a snapshot.Source; and Gateway serves the
// merged catalog over Streamable HTTP sessions or stdio.
package mcpgateway
