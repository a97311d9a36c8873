// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes read-only registry tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/opsml/internal/apperr"
	"github.com/starford/opsml/internal/index"
	"github.com/starford/opsml/internal/models"
	"github.com/starford/opsml/internal/registry"
)

const contractURI = "opsml://selector-contract"

// Server wraps the MCP server with registry tools.
type Server struct {
	mcp *server.MCPServer
	svc *registry.Service
}

// New creates a new MCP server with all registry tools registered.
func New(svc *registry.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"OpsML",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_cards",
		mcp.WithDescription("List registered cards of one kind, highest version first. "+
			"Read the selector contract via get_selector_contract for filter syntax."),
		mcp.WithString("kind", mcp.Required(), mcp.Description("Card kind: data, model, run, pipeline, audit or project")),
		mcp.WithString("name", mcp.Description("Card name")),
		mcp.WithString("team", mcp.Description("Owning team")),
		mcp.WithString("version", mcp.Description("Exact version, partial version or range such as ^1.2.0")),
		mcp.WithString("tags", mcp.Description("Comma-separated key=value pairs that must all match")),
		mcp.WithString("max_date", mcp.Description("Only cards created on or before this YYYY-MM-DD date")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of cards to return")),
		mcp.WithBoolean("ignore_rc", mcp.Description("Skip pre-release versions")),
	), s.listCards)

	s.mcp.AddTool(mcp.NewTool("get_card",
		mcp.WithDescription("Fetch the full metadata of exactly one card, by uid or by kind and name."),
		mcp.WithString("uid", mcp.Description("Card uid")),
		mcp.WithString("kind", mcp.Description("Card kind, required without uid")),
		mcp.WithString("name", mcp.Description("Card name, required without uid")),
		mcp.WithString("team", mcp.Description("Owning team")),
		mcp.WithString("version", mcp.Description("Version or range; the highest match wins")),
	), s.getCard)

	s.mcp.AddTool(mcp.NewTool("check_uid",
		mcp.WithDescription("Report whether a uid is registered and which kind it belongs to."),
		mcp.WithString("uid", mcp.Required(), mcp.Description("Card uid")),
	), s.checkUID)

	s.mcp.AddTool(mcp.NewTool("card_versions",
		mcp.WithDescription("List every version registered under a name, highest first."),
		mcp.WithString("kind", mcp.Required(), mcp.Description("Card kind")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Card name")),
		mcp.WithString("prefix", mcp.Description("Only versions starting with this major or major.minor")),
	), s.cardVersions)

	s.mcp.AddTool(mcp.NewTool("artifact_link",
		mcp.WithDescription("Return a download link for one artifact of a card. "+
			"Object stores return a time-limited signed URL; other stores return the recorded URI."),
		mcp.WithString("uid", mcp.Required(), mcp.Description("Card uid")),
		mcp.WithString("artifact", mcp.Required(), mcp.Description("Artifact name, as listed in the card's uris")),
		mcp.WithNumber("ttl_seconds", mcp.Description("Lifetime of a signed URL (default 900)")),
	), s.artifactLink)

	s.mcp.AddTool(mcp.NewTool("get_selector_contract",
		mcp.WithDescription("Returns the rules for card selectors, names and version ranges. "+
			"Call this before listing or fetching cards."),
	), s.getSelectorContract)

	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Selector Contract",
			mcp.WithResourceDescription("How cards are named, versioned and selected."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readContractResource,
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

// cardSummary is the list_cards row shape.
type cardSummary struct {
	UID       string            `json:"uid"`
	Name      string            `json:"name"`
	Team      string            `json:"team"`
	Version   string            `json:"version"`
	CreatedAt int64             `json:"created_at"`
	Tags      map[string]string `json:"tags,omitempty"`
	Artifacts []string          `json:"artifacts,omitempty"`
}

func summarize(c models.Card) cardSummary {
	h := c.Meta()
	out := cardSummary{UID: h.UID, Name: h.Name, Team: h.Team, Version: h.Version, CreatedAt: h.CreatedAt, Tags: h.Tags}
	for name := range h.URIs {
		out.Artifacts = append(out.Artifacts, name)
	}
	sortStrings(out.Artifacts)
	return out
}

func toolJSON(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func parseKind(s string) (models.Kind, error) {
	k, err := models.ParseKind(s)
	if err != nil {
		return "", fmt.Errorf("unknown kind %q", s)
	}
	return k, nil
}

// parseTags reads "k=v,k2=v2".
func parseTags(s string) (map[string]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	tags := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("tag %q: want key=value", pair)
		}
		tags[k] = v
	}
	return tags, nil
}

func (s *Server) listCards(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawKind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind, err := parseKind(rawKind)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tags, err := parseTags(req.GetString("tags", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	maxDate, err := index.ParseMaxDate(req.GetString("max_date", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	cards, err := s.svc.List(ctx, index.Query{
		Kind:     kind,
		Name:     req.GetString("name", ""),
		Team:     req.GetString("team", ""),
		Version:  req.GetString("version", ""),
		Tags:     tags,
		MaxDate:  maxDate,
		Limit:    req.GetInt("limit", 0),
		IgnoreRC: req.GetBool("ignore_rc", false),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := make([]cardSummary, 0, len(cards))
	for _, c := range cards {
		out = append(out, summarize(c))
	}
	return toolJSON(out)
}

func (s *Server) getCard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sel := registry.Selector{
		UID:     req.GetString("uid", ""),
		Name:    req.GetString("name", ""),
		Team:    req.GetString("team", ""),
		Version: req.GetString("version", ""),
	}
	if raw := req.GetString("kind", ""); raw != "" {
		kind, err := parseKind(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sel.Kind = kind
	}
	c, err := s.svc.Load(ctx, sel, registry.LoadOptions{})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	env, err := models.Wrap(c)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolJSON(env)
}

func (s *Server) checkUID(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uid, err := req.RequireString("uid")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind, err := s.svc.KindOf(ctx, uid)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return toolJSON(map[string]any{"exists": false})
	case err != nil:
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolJSON(map[string]any{"exists": true, "kind": kind})
}

func (s *Server) cardVersions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawKind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind, err := parseKind(rawKind)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	vs, err := s.svc.Versions(ctx, kind, name, req.GetString("prefix", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(vs) == 0 {
		return mcp.NewToolResultText("no versions found"), nil
	}
	return mcp.NewToolResultText(strings.Join(vs, "\n")), nil
}

func (s *Server) getSelectorContract(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(SelectorContract), nil
}

func (s *Server) readContractResource(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     SelectorContract,
		},
	}, nil
}
