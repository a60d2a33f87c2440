package permbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// ExternalServer is an MCP server the client asked the backend to use. The
// generated config forwards it alongside the bridge entry.
type ExternalServer struct {
	Name    string
	Type    string
	URL     string
	Command string
	Args    []string
}

type mcpServerEntry struct {
	Type    string   `json:"type,omitempty"`
	URL     string   `json:"url,omitempty"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

type mcpConfig struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

// MCPConfigJSON renders the --mcp-config payload pointing the backend at the
// bridge, with the session id pinned in the endpoint URL. Client-provided
// servers ride along; a server that collides with the bridge name is dropped.
func (b *Bridge) MCPConfigJSON(sessionID string, extra []ExternalServer) ([]byte, error) {
	b.mu.Lock()
	base := b.baseURL
	b.mu.Unlock()
	if base == "" {
		return nil, errors.New("permission bridge is not serving")
	}

	servers := map[string]mcpServerEntry{
		ServerName: {
			Type: "http",
			URL:  fmt.Sprintf("%s/mcp?session=%s", base, url.QueryEscape(sessionID)),
		},
	}
	for _, srv := range extra {
		if srv.Name == "" || srv.Name == ServerName {
			b.logger.Warn("skipping client mcp server with reserved or empty name")
			continue
		}
		servers[srv.Name] = mcpServerEntry{
			Type:    srv.Type,
			URL:     srv.URL,
			Command: srv.Command,
			Args:    srv.Args,
		}
	}
	return json.Marshal(mcpConfig{MCPServers: servers})
}

// WriteMCPConfig writes the per-session config file into dir and returns its
// path. The file is tied to one session, so callers remove it when the
// session ends.
func (b *Bridge) WriteMCPConfig(dir, sessionID string, extra []ExternalServer) (string, error) {
	data, err := b.MCPConfigJSON(sessionID, extra)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("amp-acp-mcp-%s.json", sessionID))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	return path, nil
}
