// Package mcpserver exposes code execution as Model Context Protocol tools,
// so agents can run snippets through the same pipeline as the HTTP API.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sakif/codeexec/internal/apperror"
	"github.com/sakif/codeexec/internal/executor"
	"github.com/sakif/codeexec/internal/language"
	"github.com/sakif/codeexec/internal/service"
)

const (
	serverName    = "codeexec"
	serverVersion = "1.0.0"
)

// Runner is the part of the execution service the tools use.
type Runner interface {
	RunAdHoc(ctx context.Context, in service.RunInput) (*executor.Result, error)
}

type MCPServer struct {
	runner    Runner
	languages *language.Registry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

func New(runner Runner, languages *language.Registry, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		runner:    runner,
		languages: languages,
		logger:    logger,
		mcpServer: server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false)),
	}
	s.registerRunCode()
	s.registerListLanguages()
	return s
}

func (s *MCPServer) languageIDs() []string {
	strategies := s.languages.List()
	ids := make([]string, 0, len(strategies))
	for _, st := range strategies {
		ids = append(ids, st.ID)
	}
	return ids
}

func (s *MCPServer) registerRunCode() {
	tool := mcp.NewTool("run_code",
		mcp.WithDescription("Compile and run a program in an isolated, network-less sandbox and return its output"),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Complete program source"),
		),
		mcp.WithString("language",
			mcp.Required(),
			mcp.Description("Language identifier"),
			mcp.Enum(s.languageIDs()...),
		),
		mcp.WithString("stdin",
			mcp.Description("Text fed to the program's standard input"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleRunCode)
}

func (s *MCPServer) registerListLanguages() {
	tool := mcp.NewTool("list_languages",
		mcp.WithDescription("List the languages run_code accepts"),
	)
	s.mcpServer.AddTool(tool, s.handleListLanguages)
}

type runCodeResult struct {
	Stdout     string          `json:"stdout"`
	Stderr     string          `json:"stderr"`
	Status     executor.Status `json:"status"`
	ExitCode   int             `json:"exitCode"`
	Truncated  bool            `json:"truncated"`
	DurationMs int64           `json:"durationMs"`
	Detail     string          `json:"detail,omitempty"`
}

// handleRunCode reports request problems (bad language, missing class
// declaration, sandbox down) as tool errors so the calling model can read
// and correct them. Only protocol-level failures are returned as Go errors.
func (s *MCPServer) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	lang, err := request.RequireString("language")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	stdin := request.GetString("stdin", "")

	res, err := s.runner.RunAdHoc(ctx, service.RunInput{Body: code, Language: lang, Stdin: stdin})
	if err != nil {
		s.logger.Warn("run_code failed",
			slog.String("language", lang),
			slog.String("error", apperror.CauseOf(err).Error()),
		)
		return mcp.NewToolResultError(toolMessage(err)), nil
	}

	s.logger.Info("run_code completed",
		slog.String("language", lang),
		slog.String("status", string(res.Status)),
		slog.Int("exit_code", res.ExitCode),
	)

	payload, err := json.Marshal(runCodeResult{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Status:     res.Status,
		ExitCode:   res.ExitCode,
		Truncated:  res.Truncated,
		DurationMs: res.Duration.Milliseconds(),
		Detail:     res.Detail,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func (s *MCPServer) handleListLanguages(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(s.languageIDs())
	if err != nil {
		return nil, fmt.Errorf("encoding languages: %w", err)
	}
	return mcp.NewToolResultText(string(payload)), nil
}

// toolMessage keeps internal details out of tool output, same as the HTTP
// error responses.
func toolMessage(err error) string {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "execution failed"
}

// ServeStdio serves MCP over stdin/stdout until the client disconnects.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// MCP returns the underlying protocol server.
func (s *MCPServer) MCP() *server.MCPServer {
	return s.mcpServer
}
