package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/notevec/notevec/internal/indexer"
	"github.com/notevec/notevec/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  *storage.Store
	Engine EngineClient
}

// NewMCPServer creates an MCP server exposing the index to agent hosts
// over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"notevec",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("notevec — local semantic index over notes and their attachments."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_notes",
			mcp.WithDescription("Semantically search indexed notes and return the most similar chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchNotes(deps),
	)

	s.AddTool(
		mcp.NewTool("add_note",
			mcp.WithDescription("Store a note and queue it for indexing."),
			mcp.WithString("title", mcp.Description("Title for the note")),
			mcp.WithString("content", mcp.Description("The note text"), mcp.Required()),
		),
		mcpAddNote(deps),
	)

	s.AddTool(
		mcp.NewTool("indexing_status",
			mcp.WithDescription("Report the embedding model state and indexing queue depth."),
		),
		mcpIndexingStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_failed",
			mcp.WithDescription("Re-queue indexing items that exhausted their retries."),
		),
		mcpRetryFailed(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"notevec://stats",
			"Indexing Stats",
			mcp.WithResourceDescription("Queue depth and indexed note count as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpSearchNotes(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", indexer.DefaultSearchLimit)

		hits, err := deps.Engine.Search(ctx, query, limit, indexer.DefaultSearchThreshold, false)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}

		results := make([]SearchHit, len(hits))
		for i, h := range hits {
			results[i] = SearchHit{
				NoteID:     h.NoteID,
				ChunkIndex: h.ChunkIndex,
				Text:       h.Text,
				Score:      h.Score,
			}
		}
		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		title := req.GetString("title", "")

		noteID := uuid.New().String()
		now := time.Now().UTC()
		note := storage.Note{
			ID:        noteID,
			Title:     title,
			Content:   content,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := deps.Store.SaveNote(note); err != nil {
			return mcpError(fmt.Sprintf("failed to save note: %v", err)), nil
		}
		if _, err := deps.Store.EnqueueText(noteID, content); err != nil {
			return mcpError(fmt.Sprintf("saved note but failed to queue indexing: %v", err)), nil
		}
		if err := deps.Engine.StartProcessing(ctx); err != nil {
			// Picked up by the idle poll regardless.
			return mcpText(fmt.Sprintf("Stored note %s (indexing deferred)", noteID)), nil
		}

		return mcpText(fmt.Sprintf("Stored note %s", noteID)), nil
	}
}

func mcpIndexingStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status, err := deps.Engine.ModelStatus(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get model status: %v", err)), nil
		}
		stats, err := deps.Engine.Stats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get stats: %v", err)), nil
		}

		out := map[string]any{
			"model":           string(status.State),
			"pending":         stats.Pending,
			"failed":          stats.Failed,
			"completed_notes": stats.Completed,
		}
		if status.Err != "" {
			out["model_error"] = status.Err
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRetryFailed(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Engine.RetryFailed(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("retry failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Re-queued failed items; %d pending, %d failed.", stats.Pending, stats.Failed)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := deps.Engine.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get stats: %w", err)
		}

		b, err := json.Marshal(map[string]int{
			"pending":         stats.Pending,
			"failed":          stats.Failed,
			"completed_notes": stats.Completed,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
