package mcpgateway

import "errors"

var (
	// ErrUnknownTool is returned for tools/call names that are neither a
	// meta-tool nor a namespaced tool of a registered end server.
	ErrUnknownTool = errors.New("mcpgateway: unknown tool")
	// ErrAlreadyRunning is returned by ListenAndServe when the gateway's HTTP
	// server is already running.
	ErrAlreadyRunning = errors.New("mcpgateway: gateway already serving")
)
