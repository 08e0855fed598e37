// Package mcp connects the runtime to external MCP tool servers and adapts
// them to the tools.Client interface the generic tool handler consumes.
package mcp

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/config"
	apperrors "github.com/agentmesh/agentmesh/internal/common/errors"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/tools"
)

const (
	initTimeout      = 30 * time.Second
	operationTimeout = 60 * time.Second
)

// Client holds one MCP session per configured server.
type Client struct {
	servers map[string]config.ToolServerConfig
	logger  *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*mcpsdk.ClientSession

	capMu    sync.RWMutex
	capCache map[string][]tools.Capability
}

var _ tools.Client = (*Client)(nil)

// NewClient builds an unconnected client for the configured servers.
func NewClient(cfg config.ToolsConfig, log *logger.Logger) *Client {
	servers := make(map[string]config.ToolServerConfig, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers[s.Name] = s
	}
	return &Client{
		servers:  servers,
		logger:   log,
		sessions: make(map[string]*mcpsdk.ClientSession),
		capCache: make(map[string][]tools.Capability),
	}
}

// Initialize connects to every configured server. A server that fails to
// connect is logged and skipped; its capabilities surface as errors when an
// agent targets it.
func (c *Client) Initialize(ctx context.Context) error {
	var firstErr error
	for name := range c.servers {
		if err := c.connect(ctx, name); err != nil {
			c.logger.WithError(err).WithFields(zap.String("server", name)).
				Warn("tool server connection failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.logger.WithFields(zap.String("server", name)).Info("tool server connected")
	}
	if len(c.sessions) == 0 && firstErr != nil {
		return apperrors.Transport("no tool server reachable", firstErr)
	}
	return nil
}

func (c *Client) connect(ctx context.Context, name string) error {
	cfg, ok := c.servers[name]
	if !ok {
		return apperrors.NotFound("tool server", name)
	}
	transport, err := buildTransport(cfg)
	if err != nil {
		return err
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "agentmesh",
		Version: "1.0.0",
	}, nil)
	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", name, err)
	}

	c.mu.Lock()
	c.sessions[name] = session
	c.mu.Unlock()
	return nil
}

func buildTransport(cfg config.ToolServerConfig) (mcpsdk.Transport, error) {
	switch cfg.Transport {
	case "stdio":
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Env = os.Environ()
		// Env values may reference host credentials as ${VAR}.
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+os.ExpandEnv(v))
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case "http":
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = operationTimeout
		}
		return &mcpsdk.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: &http.Client{Timeout: timeout},
		}, nil
	default:
		return nil, apperrors.Config(fmt.Sprintf("unsupported tool transport %q", cfg.Transport))
	}
}

func (c *Client) session(serverName string) (*mcpsdk.ClientSession, error) {
	c.mu.RLock()
	session, ok := c.sessions[serverName]
	c.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("tool server session", serverName)
	}
	return session, nil
}

// ListCapabilities returns the server's tools, prompts, and resources.
// Results are cached; tool servers are assumed static for a run.
func (c *Client) ListCapabilities(ctx context.Context, serverName string) ([]tools.Capability, error) {
	c.capMu.RLock()
	cached, ok := c.capCache[serverName]
	c.capMu.RUnlock()
	if ok {
		return cached, nil
	}

	session, err := c.session(serverName)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var caps []tools.Capability

	toolsResult, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools of %s: %w", serverName, err)
	}
	for _, t := range toolsResult.Tools {
		caps = append(caps, tools.Capability{Kind: tools.KindTool, Name: t.Name, Description: t.Description})
	}

	// Prompts and resources are optional server features.
	if promptsResult, err := session.ListPrompts(opCtx, nil); err == nil {
		for _, p := range promptsResult.Prompts {
			caps = append(caps, tools.Capability{Kind: tools.KindPrompt, Name: p.Name, Description: p.Description})
		}
	}
	if resourcesResult, err := session.ListResources(opCtx, nil); err == nil {
		for _, r := range resourcesResult.Resources {
			caps = append(caps, tools.Capability{Kind: tools.KindResource, Name: r.URI, Description: r.Description})
		}
	}

	c.capMu.Lock()
	c.capCache[serverName] = caps
	c.capMu.Unlock()
	return caps, nil
}

// Invoke calls one capability and returns its content as plain data.
func (c *Client) Invoke(ctx context.Context, serverName, kind, capabilityName string, arguments map[string]any) (any, error) {
	session, err := c.session(serverName)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	switch kind {
	case tools.KindTool:
		result, err := session.CallTool(opCtx, &mcpsdk.CallToolParams{
			Name:      capabilityName,
			Arguments: arguments,
		})
		if err != nil {
			return nil, fmt.Errorf("call tool %s on %s: %w", capabilityName, serverName, err)
		}
		text := flattenContent(result.Content)
		if result.IsError {
			return nil, apperrors.Transport("tool "+capabilityName+" reported an error: "+text, nil)
		}
		return text, nil

	case tools.KindPrompt:
		result, err := session.GetPrompt(opCtx, &mcpsdk.GetPromptParams{
			Name:      capabilityName,
			Arguments: stringArguments(arguments),
		})
		if err != nil {
			return nil, fmt.Errorf("get prompt %s on %s: %w", capabilityName, serverName, err)
		}
		var text string
		for _, m := range result.Messages {
			if tc, ok := m.Content.(*mcpsdk.TextContent); ok {
				text += tc.Text + "\n"
			}
		}
		return text, nil

	case tools.KindResource:
		result, err := session.ReadResource(opCtx, &mcpsdk.ReadResourceParams{URI: capabilityName})
		if err != nil {
			return nil, fmt.Errorf("read resource %s on %s: %w", capabilityName, serverName, err)
		}
		var text string
		for _, rc := range result.Contents {
			text += rc.Text
		}
		return text, nil

	default:
		return nil, apperrors.Protocol(fmt.Sprintf("unknown capability kind %q", kind), nil)
	}
}

// Close shuts down every session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for name, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %s: %w", name, err)
		}
	}
	c.sessions = make(map[string]*mcpsdk.ClientSession)
	return firstErr
}

func flattenContent(content []mcpsdk.Content) string {
	var text string
	for _, block := range content {
		if tc, ok := block.(*mcpsdk.TextContent); ok {
			text += tc.Text
		}
	}
	return text
}

func stringArguments(arguments map[string]any) map[string]string {
	if len(arguments) == 0 {
		return nil
	}
	out := make(map[string]string, len(arguments))
	for k, v := range arguments {
		out[k] = fmt.Sprint(v)
	}
	return out
}
