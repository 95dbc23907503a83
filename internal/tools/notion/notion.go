// Package notion bridges a remote workspace MCP server into the agent's
// tool provider interface.
package notion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/qbitdata/qbit/internal/mcp"
	"github.com/qbitdata/qbit/pkg/models"
)

// Provider adapts an MCP workspace server (Notion, or anything speaking the
// same protocol) to the provider interface. Tools are whatever the remote
// server advertises.
type Provider struct {
	client *mcp.Client
	logger *slog.Logger
}

// New connects to the MCP server at url. A non-empty token is sent as a
// bearer header on every request.
func New(ctx context.Context, url, token string, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := mcp.Config{URL: url}
	if token != "" {
		cfg.Headers = map[string]string{"Authorization": "Bearer " + token}
	}

	client := mcp.NewClient(cfg, logger)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect workspace server: %w", err)
	}

	info := client.ServerInfo()
	logger.Info("workspace server connected", "name", info.Name, "version", info.Version)
	return &Provider{client: client, logger: logger.With("provider", "notion")}, nil
}

// ListTools implements provider.Provider by relaying the remote catalog.
func (p *Provider) ListTools(ctx context.Context) ([]models.ToolDescriptor, error) {
	if err := p.client.RefreshTools(ctx); err != nil {
		return nil, fmt.Errorf("refresh workspace tools: %w", err)
	}

	remote := p.client.Tools()
	descriptors := make([]models.ToolDescriptor, 0, len(remote))
	for _, t := range remote {
		descriptors = append(descriptors, models.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema(),
		})
	}
	return descriptors, nil
}

// Invoke implements provider.Provider. The text content blocks of the MCP
// result are concatenated into a single string.
func (p *Provider) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	result, err := p.client.CallTool(ctx, name, args)
	if err != nil {
		return "", err
	}

	var parts []string
	for _, c := range result.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		return "", fmt.Errorf("workspace tool %s failed: %s", name, text)
	}
	return text, nil
}

// Close disconnects from the workspace server.
func (p *Provider) Close() error {
	return p.client.Close()
}
