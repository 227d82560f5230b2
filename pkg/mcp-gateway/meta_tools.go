package mcpgateway

import (
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	toolListEndServers   = "list-end-servers"
	toolListServerStatus = "list-server-status"
)

const metaToolsJSON = `[
	{
		"name": "list-end-servers",
		"description": "List the MCP servers the user has installed for this Nexus API key.",
		"inputSchema": {"type": "object", "properties": {}, "additionalProperties": false}
	},
	{
		"name": "list-server-status",
		"description": "List basic connection status for installed MCP servers.",
		"inputSchema": {"type": "object", "properties": {}, "additionalProperties": false}
	}
]`

// metaTools returns fresh copies of the gateway's own tools.
func metaTools() []*mcp.Tool {
	var tools []*mcp.Tool
	if err := json.Unmarshal([]byte(metaToolsJSON), &tools); err != nil {
		panic("mcpgateway: invalid meta tool definitions: " + err.Error())
	}
	return tools
}

type endServerListing struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	SourceURL       string   `json:"sourceUrl"`
	Category        string   `json:"category"`
	InstalledOn     string   `json:"installedOn"`
	LogoURL         string   `json:"logoUrl"`
	RequiredEnvVars []string `json:"requiredEnvVars"`
}

type endServerStatus struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Namespace    string `json:"namespace"`
	Connected    bool   `json:"connected"`
	TokenExpired bool   `json:"tokenExpired"`
}

func (r *Registry) metaToolHandler(name string) (func() (*mcp.CallToolResult, error), bool) {
	switch name {
	case toolListEndServers:
		return r.listEndServers, true
	case toolListServerStatus:
		return r.listServerStatus, true
	default:
		return nil, false
	}
}

// listEndServers describes every registered end server, live or not.
func (r *Registry) listEndServers() (*mcp.CallToolResult, error) {
	entries := r.snapshot()
	servers := make([]endServerListing, 0, len(entries))
	for _, entry := range entries {
		desc := entry.actor.Descriptor()
		servers = append(servers, endServerListing{
			ID:              desc.ID,
			Name:            desc.Name,
			Description:     desc.Description,
			SourceURL:       desc.SourceURL,
			Category:        desc.Category,
			InstalledOn:     desc.InstalledOn,
			LogoURL:         desc.LogoURL,
			RequiredEnvVars: desc.RequiredEnvKeys(),
		})
	}
	return textResult(map[string]any{"mcpServers": servers})
}

func (r *Registry) listServerStatus() (*mcp.CallToolResult, error) {
	entries := r.snapshot()
	now := r.opts.Now()
	statuses := make([]endServerStatus, 0, len(entries))
	for _, entry := range entries {
		desc := entry.actor.Descriptor()
		statuses = append(statuses, endServerStatus{
			ID:           desc.ID,
			Name:         desc.Name,
			Namespace:    entry.namespace,
			Connected:    entry.actor.Live(),
			TokenExpired: desc.RequiresAuth && desc.TokenExpired(now),
		})
	}
	return textResult(map[string]any{"servers": statuses})
}

func textResult(payload any) (*mcp.CallToolResult, error) {
	text, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return errorResult("Error listing servers"), nil
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(text)}}}, nil
}
