package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/opsml/internal/apperr"
	"github.com/starford/opsml/internal/registry"
	"github.com/starford/opsml/internal/storage"
)

const (
	defaultLinkTTL = 15 * time.Minute
	maxLinkTTL     = 7 * 24 * time.Hour
)

type linkResult struct {
	Artifact string `json:"artifact"`
	Type     string `json:"type"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum,omitempty"`
	URL      string `json:"url"`
	// Signed is false when the store cannot presign and URL is the
	// recorded location instead.
	Signed    bool   `json:"signed"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

func (s *Server) artifactLink(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uid, err := req.RequireString("uid")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := req.RequireString("artifact")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ttl := defaultLinkTTL
	if secs := req.GetInt("ttl_seconds", 0); secs > 0 {
		ttl = min(time.Duration(secs)*time.Second, maxLinkTTL)
	}

	c, err := s.svc.Load(ctx, registry.Selector{UID: uid}, registry.LoadOptions{})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ref, ok := c.Meta().URIs[name]
	if !ok {
		var names []string
		for n := range c.Meta().URIs {
			names = append(names, n)
		}
		sortStrings(names)
		return mcp.NewToolResultError(fmt.Sprintf("card %s has no artifact %q (have %v)", uid, name, names)), nil
	}

	store := s.svc.Backend()
	key := ref.Key
	if key == "" {
		if key, err = storage.KeyOf(store, ref.URI); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	out := linkResult{Artifact: name, Type: ref.Type, Size: ref.Size, Checksum: ref.Checksum, URL: ref.URI}
	u, err := store.Presign(ctx, key, ttl)
	switch {
	case errors.Is(err, apperr.ErrUnsupportedByBackend):
	case err != nil:
		return mcp.NewToolResultError(err.Error()), nil
	default:
		out.URL = u
		out.Signed = true
		out.ExpiresAt = time.Now().Add(ttl).UTC().Format(time.RFC3339)
	}
	return toolJSON(out)
}

func sortStrings(s []string) { sort.Strings(s) }
