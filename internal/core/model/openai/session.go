package openai

import (
	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"github.com/VoxRelayAI/sip-realtime-gateway/internal/config"
	"github.com/VoxRelayAI/sip-realtime-gateway/internal/core/tool"
	"github.com/VoxRelayAI/sip-realtime-gateway/pkg/logger"
)

// SessionConfig is the payload sent on the accept handshake. It describes how
// the realtime service should run the call: behavioral instructions, voice,
// and the declared tool set. Built once at startup and shared read-only
// across all calls.
type SessionConfig struct {
	Type         string        `json:"type"`
	Model        string        `json:"model"`
	Instructions string        `json:"instructions,omitempty"`
	Audio        AudioConfig   `json:"audio"`
	Tools        []interface{} `json:"tools,omitempty"`
}

type AudioConfig struct {
	Output AudioOutputConfig `json:"output"`
}

type AudioOutputConfig struct {
	Voice string `json:"voice"`
}

// SessionConfigBuilder assembles the session payload from the loaded
// configuration and the registered local tools.
type SessionConfigBuilder struct {
	cfg   *config.Config
	tools *tool.Manager
}

// NewSessionConfigBuilder creates a builder over the given configuration and
// tool manager.
func NewSessionConfigBuilder(cfg *config.Config, tools *tool.Manager) *SessionConfigBuilder {
	return &SessionConfigBuilder{
		cfg:   cfg,
		tools: tools,
	}
}

// Build produces the session config. It never fails: malformed optional tool
// configuration has already been dropped at load time, and anything else
// degrades by omission.
func (b *SessionConfigBuilder) Build() SessionConfig {
	session := SessionConfig{
		Type:         "realtime",
		Model:        b.cfg.OpenAI.Model,
		Instructions: b.cfg.OpenAI.Instructions,
		Audio: AudioConfig{
			Output: AudioOutputConfig{
				Voice: b.cfg.OpenAI.Voice,
			},
		},
	}

	session.Tools = append(session.Tools, b.localToolDefinitions()...)
	session.Tools = append(session.Tools, b.remoteToolDefinitions()...)

	logger.Base().Info("Session config built",
		zap.String("model", session.Model),
		zap.String("voice", session.Audio.Output.Voice),
		zap.Int("tools", len(session.Tools)))
	return session
}

// localToolDefinitions snapshots the function tool schemas registered with
// the dispatch table. The schemas are deep-copied so later registrations
// cannot alias into an already-built session.
func (b *SessionConfigBuilder) localToolDefinitions() []interface{} {
	defs := b.tools.Definitions()
	copied := make([]interface{}, 0, len(defs))
	for _, def := range defs {
		dup := map[string]interface{}{}
		if err := copier.CopyWithOption(&dup, def, copier.Option{DeepCopy: true}); err != nil {
			logger.Base().Warn("Failed to copy tool definition, using shared schema", zap.Error(err))
			copied = append(copied, def)
			continue
		}
		copied = append(copied, dup)
	}
	return copied
}

// remoteToolDefinitions appends the optionally-enabled hosted tools. These
// are executed by the remote service itself; the dispatch table never sees
// them. A tool whose flag is absent produces no entry at all.
func (b *SessionConfigBuilder) remoteToolDefinitions() []interface{} {
	var tools []interface{}
	tc := b.cfg.Tools

	if tc.WebSearch.Enabled {
		webSearch := map[string]interface{}{
			"type": "web_search",
		}
		if len(tc.WebSearch.AllowedDomains) > 0 {
			webSearch["filters"] = map[string]interface{}{
				"allowed_domains": tc.WebSearch.AllowedDomains,
			}
		}
		if tc.WebSearch.UserLocation != nil {
			webSearch["user_location"] = tc.WebSearch.UserLocation
		}
		tools = append(tools, webSearch)
		logger.Base().Info("Enabled web search tool", zap.Strings("allowed_domains", tc.WebSearch.AllowedDomains))
	}

	for _, server := range tc.MCPServers {
		mcpTool := map[string]interface{}{
			"type":             "mcp",
			"server_label":     server.ServerLabel,
			"server_url":       server.ServerURL,
			"require_approval": server.RequireApproval,
		}
		if server.Authorization != "" {
			mcpTool["authorization"] = server.Authorization
		}
		tools = append(tools, mcpTool)
		logger.Base().Info("Enabled MCP bridge", zap.String("server_label", server.ServerLabel), zap.String("server_url", server.ServerURL))
	}

	for _, connector := range tc.Connectors {
		connectorTool := map[string]interface{}{
			"type":             "mcp",
			"server_label":     connector.ConnectorID,
			"connector_id":     connector.ConnectorID,
			"require_approval": "never",
		}
		if connector.Authorization != "" {
			connectorTool["authorization"] = connector.Authorization
		}
		tools = append(tools, connectorTool)
		logger.Base().Info("Enabled hosted connector", zap.String("connector_id", connector.ConnectorID))
	}

	return tools
}
