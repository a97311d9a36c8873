package models

import (
	"encoding/json"
	"fmt"
)

var constructors = map[Kind]func() Card{
	KindData:     func() Card { return &DataCard{} },
	KindModel:    func() Card { return &ModelCard{} },
	KindRun:      func() Card { return &RunCard{} },
	KindPipeline: func() Card { return &PipelineCard{} },
	KindAudit:    func() Card { return &AuditCard{} },
	KindProject:  func() Card { return &ProjectCard{} },
}

// Kinds lists every registered kind in table order.
func Kinds() []Kind {
	return []Kind{KindData, KindModel, KindRun, KindPipeline, KindAudit, KindProject}
}

// ParseKind validates a kind tag.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := constructors[k]; !ok {
		return "", fmt.Errorf("unknown card kind %q", s)
	}
	return k, nil
}

// New returns an empty card of the given kind.
func New(kind Kind) (Card, error) {
	ctor, ok := constructors[kind]
	if !ok {
		return nil, fmt.Errorf("unknown card kind %q", kind)
	}
	return ctor(), nil
}

// Envelope is the JSON wire form of a card.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Card json.RawMessage `json:"card"`
}

// Wrap builds an envelope for c.
func Wrap(c Card) (Envelope, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return Envelope{}, fmt.Errorf("models: encode %s card: %w", c.Kind(), err)
	}
	return Envelope{Kind: c.Kind(), Card: raw}, nil
}

// Unwrap decodes the card held by e.
func (e Envelope) Unwrap() (Card, error) {
	c, err := New(e.Kind)
	if err != nil {
		return nil, err
	}
	if len(e.Card) > 0 {
		if err := json.Unmarshal(e.Card, c); err != nil {
			return nil, fmt.Errorf("models: decode %s card: %w", e.Kind, err)
		}
	}
	return c, nil
}
