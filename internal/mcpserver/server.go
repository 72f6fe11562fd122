// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Marginalia documents, annotations and patching to LLM
// clients via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/marginalia/internal/apperr"
	"github.com/starford/marginalia/internal/docservice"
	"github.com/starford/marginalia/internal/patch"
)

const contractURI = "marginalia://patch-contract"

// Server wraps the MCP server with Marginalia tools.
type Server struct {
	mcp *server.MCPServer
	svc *docservice.Service
}

// New creates a new MCP server with all Marginalia tools registered.
func New(svc *docservice.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Marginalia",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_documents",
		mcp.WithDescription("List the documents in the vault with their current versions."),
	), s.listDocuments)

	s.mcp.AddTool(mcp.NewTool("read_document",
		mcp.WithDescription("Read a document's body, plain text and current version. "+
			"The version is needed to patch the document."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the document (e.g. notes/gc.md)")),
	), s.readDocument)

	s.mcp.AddTool(mcp.NewTool("list_annotations",
		mcp.WithDescription("List the highlights on a document, with any question and answer attached."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the document")),
		mcp.WithNumber("page", mcp.Description("Only list this page (1-based)")),
	), s.listAnnotations)

	s.mcp.AddTool(mcp.NewTool("locate_text",
		mcp.WithDescription("Find where a fragment sits in the document's current body. "+
			"Reports the match tier (exact or markup_tolerant), the byte span and how many times it occurs."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the document")),
		mcp.WithString("target", mcp.Required(), mcp.Description("Fragment to find")),
	), s.locateText)

	s.mcp.AddTool(mcp.NewTool("apply_patch",
		mcp.WithDescription("Replace one fragment of a document. Read the contract first via "+
			"the get_patch_contract tool or the "+contractURI+" resource."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the document")),
		mcp.WithString("target", mcp.Required(), mcp.Description("Fragment to replace, quoted from the document")),
		mcp.WithString("replacement", mcp.Required(), mcp.Description("Replacement text; may be empty")),
		mcp.WithNumber("document_version", mcp.Required(), mcp.Description("Version returned by read_document or locate_text")),
		mcp.WithBoolean("commit", mcp.Description("Write the result; without it the patched body is only previewed")),
		mcp.WithBoolean("confirmed", mcp.Description("Commit even though the match needs confirmation")),
	), s.applyPatch)

	s.mcp.AddTool(mcp.NewTool("search_annotations",
		mcp.WithDescription("Search highlighted text, questions and answers across all documents."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
		mcp.WithNumber("limit", mcp.Description("Max results (default 20)")),
	), s.searchAnnotations)

	s.mcp.AddTool(mcp.NewTool("get_patch_contract",
		mcp.WithDescription("Returns the patch contract. "+
			"Call this before apply_patch to learn how fragments are matched."),
	), s.getPatchContract)

	// Resource: patch contract.
	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Patch Contract",
			mcp.WithResourceDescription("How apply_patch locates fragments and when it asks for confirmation."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readPatchContractResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// toolError turns a service error into a tool error the model can act on.
func toolError(path string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path))
	case errors.Is(err, apperr.ErrConflict):
		return mcp.NewToolResultError("document changed since it was read; call read_document or locate_text again")
	default:
		return mcp.NewToolResultError(err.Error())
	}
}

func (s *Server) listDocuments(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docs, err := s.svc.ListDocuments(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(docs) == 0 {
		return mcp.NewToolResultText("no documents found"), nil
	}
	return jsonResult(docs)
}

func (s *Server) readDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := s.svc.OpenDocument(ctx, path)
	if err != nil {
		return toolError(path, err), nil
	}
	return jsonResult(doc)
}

func (s *Server) listAnnotations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	list, err := s.svc.ListAnnotations(ctx, path, req.GetInt("page", 0))
	if err != nil {
		return toolError(path, err), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultText("no annotations found"), nil
	}
	return jsonResult(list)
}

func (s *Server) locateText(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	target, err := req.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.svc.Locate(ctx, path, target)
	if err != nil {
		return toolError(path, err), nil
	}
	return jsonResult(res)
}

func (s *Server) applyPatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	target, err := req.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	// An empty replacement deletes the fragment.
	replacement := req.GetString("replacement", "")
	version, err := req.RequireFloat("document_version")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.svc.ApplyPatch(ctx, path, patch.Request{
		TargetFragment:      target,
		ReplacementFragment: replacement,
		DocumentVersion:     int64(version),
	}, docservice.ApplyOptions{
		Commit:    req.GetBool("commit", false),
		Confirmed: req.GetBool("confirmed", false),
	})
	if err != nil {
		return toolError(path, err), nil
	}
	if res.Status == patch.Rejected {
		return mcp.NewToolResultError(apperr.ErrNoMatch.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) searchAnnotations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	hits, err := s.svc.SearchAnnotations(ctx, query, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(hits) == 0 {
		return mcp.NewToolResultText("no annotations found"), nil
	}
	return jsonResult(hits)
}

func (s *Server) getPatchContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(PatchContract), nil
}

func (s *Server) readPatchContractResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     PatchContract,
		},
	}, nil
}
