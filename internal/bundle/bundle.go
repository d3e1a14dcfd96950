// Package bundle mounts instance tool bundles. A bundle is an MCP server
// launched as a subprocess speaking stdio; its tools are wrapped and
// mounted onto each session's coordinator at creation time. One server
// process is shared by all sessions of the instances that use it.
package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hivelabs/hive-slack/internal/config"
	"github.com/hivelabs/hive-slack/internal/hooks"
)

const (
	clientName    = "hive-slack"
	clientVersion = "1.0.0"

	// workingDirVar expands to the instance's working directory inside a
	// bundle's configured args and env values.
	workingDirVar = "${WORKING_DIR}"
	// workingDirEnv is always set in the bundle server's environment.
	workingDirEnv = "HIVE_WORKING_DIR"
)

// toolCaller is the slice of the MCP client used per tool call.
type toolCaller interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Mounter spawns bundle servers on demand and mounts their tools. It
// implements session.ToolMounter. Servers are keyed by (bundle, working
// dir) so sessions sharing an instance reuse one process.
type Mounter struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*mcpclient.Client
}

// NewMounter creates a Mounter for the configured bundles.
func NewMounter(cfg *config.Config, logger *slog.Logger) *Mounter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mounter{
		cfg:     cfg,
		logger:  logger.With("component", "bundle"),
		clients: make(map[string]*mcpclient.Client),
	}
}

// Mount connects to the named bundle's server (starting it on first use)
// and mounts every tool it lists onto c.
func (m *Mounter) Mount(ctx context.Context, bundleName, workingDir string, c *hooks.Coordinator) error {
	cli, err := m.connect(ctx, bundleName, workingDir)
	if err != nil {
		return err
	}

	listed, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("list tools for bundle %q: %w", bundleName, err)
	}

	for _, tool := range listed.Tools {
		c.MountTool(&remoteTool{
			caller:      cli,
			name:        tool.Name,
			description: tool.Description,
			schema:      schemaMap(tool),
		})
	}
	m.logger.Debug("Mounted bundle tools", "bundle", bundleName, "count", len(listed.Tools))
	return nil
}

// connect returns the shared client for (bundle, workingDir), spawning and
// initializing the server process on first use.
func (m *Mounter) connect(ctx context.Context, bundleName, workingDir string) (*mcpclient.Client, error) {
	bcfg, ok := m.cfg.Bundles[bundleName]
	if !ok {
		return nil, fmt.Errorf("unknown bundle %q", bundleName)
	}

	key := bundleName + "\x00" + workingDir
	m.mu.Lock()
	defer m.mu.Unlock()
	if cli, ok := m.clients[key]; ok {
		return cli, nil
	}

	m.logger.Info("Starting bundle server",
		"bundle", bundleName,
		"command", bcfg.Command,
		"working_dir", workingDir)

	cli, err := mcpclient.NewStdioMCPClient(bcfg.Command, bundleEnv(bcfg.Env, workingDir), bundleArgs(bcfg.Args, workingDir)...)
	if err != nil {
		return nil, fmt.Errorf("start bundle %q: %w", bundleName, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		cli.Close()
		return nil, fmt.Errorf("initialize bundle %q: %w", bundleName, err)
	}

	m.clients[key] = cli
	return cli, nil
}

// Close shuts down every bundle server.
func (m *Mounter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for key, cli := range m.clients {
		if err := cli.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bundle %q: %w", strings.SplitN(key, "\x00", 2)[0], err))
		}
		delete(m.clients, key)
	}
	return errors.Join(errs...)
}

// bundleEnv renders the configured env map as KEY=VALUE pairs with
// ${WORKING_DIR} expanded, plus the working-dir variable itself.
func bundleEnv(env map[string]string, workingDir string) []string {
	out := make([]string, 0, len(env)+1)
	for k, v := range env {
		out = append(out, k+"="+strings.ReplaceAll(v, workingDirVar, workingDir))
	}
	out = append(out, workingDirEnv+"="+workingDir)
	return out
}

func bundleArgs(args []string, workingDir string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, workingDirVar, workingDir)
	}
	return out
}

// schemaMap renders a listed tool's input schema as a plain map for the
// provider request.
func schemaMap(tool mcp.Tool) map[string]any {
	raw := []byte(tool.RawInputSchema)
	if len(raw) == 0 {
		b, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return map[string]any{"type": "object"}
		}
		raw = b
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{"type": "object"}
	}
	return out
}

// remoteTool adapts one bundle server tool to the session tool interface.
type remoteTool struct {
	caller      toolCaller
	name        string
	description string
	schema      map[string]any
}

func (t *remoteTool) Name() string                { return t.name }
func (t *remoteTool) Description() string         { return t.description }
func (t *remoteTool) InputSchema() map[string]any { return t.schema }

func (t *remoteTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args

	result, err := t.caller.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("bundle tool %q: %w", t.name, err)
	}

	text := textContent(result)
	if result.IsError {
		if text == "" {
			text = fmt.Sprintf("bundle tool %q reported an error", t.name)
		}
		return "", errors.New(text)
	}
	return text, nil
}

// textContent joins a result's text blocks.
func textContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
