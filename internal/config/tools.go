package config

import (
	"encoding/json"
	"os"

	"github.com/VoxRelayAI/sip-realtime-gateway/pkg/logger"
	"go.uber.org/zap"
)

// ToolsConfig describes which remote tools the session advertises alongside
// the local function tools. A tool whose flag is absent is omitted from the
// session entirely rather than included in a disabled state.
type ToolsConfig struct {
	WebSearch  WebSearchConfig
	MCPServers []MCPServerConfig
	Connectors []ConnectorConfig
}

// WebSearchConfig enables the hosted web search tool.
type WebSearchConfig struct {
	Enabled        bool
	AllowedDomains []string
	UserLocation   *UserLocation
}

// UserLocation is the approximate caller location hint for web search.
type UserLocation struct {
	Type     string `json:"type"`
	Country  string `json:"country,omitempty"`
	City     string `json:"city,omitempty"`
	Region   string `json:"region,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// MCPServerConfig describes one remote MCP bridge the model may call.
type MCPServerConfig struct {
	ServerLabel     string `json:"server_label"`
	ServerURL       string `json:"server_url"`
	Authorization   string `json:"authorization,omitempty"`
	RequireApproval string `json:"require_approval,omitempty"`
}

// ConnectorConfig describes one hosted connector tool.
type ConnectorConfig struct {
	ConnectorID   string `json:"connector_id"`
	Authorization string `json:"authorization,omitempty"`
}

// loadToolsConfig reads the optional tool flags. Malformed structured values
// degrade by omission: a bad JSON payload drops that tool, never the whole
// configuration.
func loadToolsConfig() ToolsConfig {
	tc := ToolsConfig{
		WebSearch: WebSearchConfig{
			Enabled: getEnvAsBool("TOOL_WEB_SEARCH", false),
		},
	}

	if domains := os.Getenv("TOOL_WEB_SEARCH_ALLOWED_DOMAINS"); domains != "" {
		tc.WebSearch.AllowedDomains = splitString(domains, ",")
	}

	// Approximate location hint, e.g. {"country":"US","city":"Seattle"}.
	if raw := os.Getenv("TOOL_WEB_SEARCH_USER_LOCATION"); raw != "" {
		var loc UserLocation
		if err := json.Unmarshal([]byte(raw), &loc); err != nil {
			logger.Base().Warn("Ignoring malformed web search user location", zap.Error(err))
		} else {
			loc.Type = "approximate"
			tc.WebSearch.UserLocation = &loc
		}
	}

	// Remote MCP bridges, e.g.
	// [{"server_label":"crm","server_url":"https://mcp.example.com","authorization":"..."}]
	if raw := os.Getenv("TOOL_MCP_SERVERS"); raw != "" {
		var servers []MCPServerConfig
		if err := json.Unmarshal([]byte(raw), &servers); err != nil {
			logger.Base().Warn("Ignoring malformed MCP server list", zap.Error(err))
		} else {
			for _, s := range servers {
				if s.ServerLabel == "" || s.ServerURL == "" {
					logger.Base().Warn("Skipping MCP server missing label or URL",
						zap.String("server_label", s.ServerLabel))
					continue
				}
				if s.RequireApproval == "" {
					s.RequireApproval = "never"
				}
				tc.MCPServers = append(tc.MCPServers, s)
			}
		}
	}

	// Hosted connectors, e.g. [{"connector_id":"connector_gmail","authorization":"..."}]
	if raw := os.Getenv("TOOL_CONNECTORS"); raw != "" {
		var connectors []ConnectorConfig
		if err := json.Unmarshal([]byte(raw), &connectors); err != nil {
			logger.Base().Warn("Ignoring malformed connector list", zap.Error(err))
		} else {
			for _, c := range connectors {
				if c.ConnectorID == "" {
					logger.Base().Warn("Skipping connector without connector_id")
					continue
				}
				tc.Connectors = append(tc.Connectors, c)
			}
		}
	}

	return tc
}
