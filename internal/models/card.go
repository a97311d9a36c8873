// Package models defines the card types held by the registry.
package models

import (
	"regexp"
	"strings"
	"time"
)

// Kind identifies a card variant.
type Kind string

const (
	KindData     Kind = "data"
	KindModel    Kind = "model"
	KindRun      Kind = "run"
	KindPipeline Kind = "pipeline"
	KindAudit    Kind = "audit"
	KindProject  Kind = "project"
)

// MaxNameLength is the longest accepted name or team after normalization.
const MaxNameLength = 53

// NamePattern matches a normalized name or team.
var NamePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ArtifactRef locates one uploaded artifact.
type ArtifactRef struct {
	URI      string            `json:"uri"`
	Key      string            `json:"key"`
	Type     string            `json:"type"`
	Size     int64             `json:"size"`
	Checksum string            `json:"checksum,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

// Artifact is an in-memory payload waiting to be serialized.
// Type is the declared artifact type; empty means "detect".
type Artifact struct {
	Name   string
	Type   string
	Value  any
	Params map[string]string
}

// Reference is a uid another card must resolve to.
type Reference struct {
	Kind  Kind
	UID   string
	Field string
}

// Header holds the columns shared by every kind.
type Header struct {
	UID       string                 `json:"uid"`
	Name      string                 `json:"name"`
	Team      string                 `json:"team"`
	Version   string                 `json:"version"`
	CreatedAt int64                  `json:"created_at"`
	Contact   string                 `json:"contact"`
	Tags      map[string]string      `json:"tags"`
	URIs      map[string]ArtifactRef `json:"uris"`
}

// Card is the unit of registration.
type Card interface {
	Kind() Kind
	Meta() *Header
	// Artifacts lists payloads to upload. Entries with a nil Value are skipped.
	Artifacts() []Artifact
	// SetArtifact stores a decoded payload after an eager load.
	SetArtifact(name string, value any)
	// References lists uids that must exist before registration.
	References() []Reference
	// Bind derives kind-specific columns once URIs and version are final.
	Bind()
}

// Meta returns the header itself so embedding types satisfy Card.
func (h *Header) Meta() *Header { return h }

// Artifacts is the default: no payloads.
func (h *Header) Artifacts() []Artifact { return nil }

// SetArtifact is the default no-op.
func (h *Header) SetArtifact(string, any) {}

// References is the default: nothing to resolve.
func (h *Header) References() []Reference { return nil }

// Bind is the default no-op.
func (h *Header) Bind() {}

// Created returns CreatedAt as a time.
func (h *Header) Created() time.Time {
	return time.UnixMicro(h.CreatedAt).UTC()
}

// SetTag sets a tag, allocating the map on first use.
func (h *Header) SetTag(key, value string) {
	if h.Tags == nil {
		h.Tags = map[string]string{}
	}
	h.Tags[key] = value
}

// Normalize lowercases s, turns whitespace into '-' and drops anything other
// than letters, digits, '_' and '-'.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ' || r == '\t':
			b.WriteByte('-')
		}
	}
	return b.String()
}

// ArtifactRoot is the object-store prefix owned by one card version.
func ArtifactRoot(kind Kind, team, name, version string) string {
	return string(kind) + "/" + team + "/" + name + "/v" + version
}

// RootOfKey trims an artifact key to the kind/team/name/vVERSION root that
// owns it.
func RootOfKey(key string) (string, bool) {
	parts := strings.SplitN(key, "/", 5)
	if len(parts) < 5 || !strings.HasPrefix(parts[3], "v") {
		return "", false
	}
	return strings.Join(parts[:4], "/"), true
}
