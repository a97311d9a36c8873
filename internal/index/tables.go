package index

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/starford/opsml/internal/models"
)

var headerCols = []string{"uid", "name", "team", "version", "created_at", "contact", "tags", "uris"}

// table maps one card kind onto its SQL table. fields returns pointers in
// column order; they serve as insert arguments and scan targets alike.
type table struct {
	name   string
	cols   []string
	fields func(models.Card) []any
}

var tables = map[models.Kind]table{
	models.KindData: {
		name: "data_cards",
		cols: []string{"data_type", "feature_map", "data_splits"},
		fields: func(c models.Card) []any {
			d := c.(*models.DataCard)
			return []any{&d.DataType, jsonValue{&d.FeatureMap}, jsonValue{&d.DataSplits}}
		},
	},
	models.KindModel: {
		name: "model_cards",
		cols: []string{"datacard_uid", "model_type", "onnx_uri", "interface_type"},
		fields: func(c models.Card) []any {
			m := c.(*models.ModelCard)
			return []any{&m.DataCardUID, &m.ModelType, &m.OnnxURI, &m.InterfaceType}
		},
	},
	models.KindRun: {
		name: "run_cards",
		cols: []string{"metrics", "parameters", "artifact_uris", "project", "datacard_uids", "modelcard_uids"},
		fields: func(c models.Card) []any {
			r := c.(*models.RunCard)
			return []any{jsonValue{&r.Metrics}, jsonValue{&r.Parameters}, jsonValue{&r.ArtifactURIs},
				&r.Project, jsonValue{&r.DataCardUIDs}, jsonValue{&r.ModelCardUIDs}}
		},
	},
	models.KindPipeline: {
		name: "pipeline_cards",
		cols: []string{"datacard_uids", "modelcard_uids", "runcard_uids"},
		fields: func(c models.Card) []any {
			p := c.(*models.PipelineCard)
			return []any{jsonValue{&p.DataCardUIDs}, jsonValue{&p.ModelCardUIDs}, jsonValue{&p.RunCardUIDs}}
		},
	},
	models.KindAudit: {
		name: "audit_cards",
		cols: []string{"audit", "approved"},
		fields: func(c models.Card) []any {
			a := c.(*models.AuditCard)
			return []any{jsonValue{&a.Audit}, &a.Approved}
		},
	},
	models.KindProject: {
		name: "project_cards",
		cols: []string{"project_id"},
		fields: func(c models.Card) []any {
			p := c.(*models.ProjectCard)
			return []any{&p.ProjectID}
		},
	},
}

func tableFor(kind models.Kind) (table, error) {
	t, ok := tables[kind]
	if !ok {
		return table{}, fmt.Errorf("index: unknown card kind %q", kind)
	}
	return t, nil
}

func (t table) columns() []string {
	return append(append([]string{}, headerCols...), t.cols...)
}

func (t table) selectList() string {
	return strings.Join(t.columns(), ", ")
}

// targets returns scan targets (and insert arguments) for c.
func (t table) targets(c models.Card) []any {
	h := c.Meta()
	out := []any{&h.UID, &h.Name, &h.Team, &h.Version, &h.CreatedAt, &h.Contact, jsonValue{&h.Tags}, jsonValue{&h.URIs}}
	return append(out, t.fields(c)...)
}

// args dereferences targets into plain driver values.
func (t table) args(c models.Card) ([]any, error) {
	ptrs := t.targets(c)
	out := make([]any, len(ptrs))
	for i, p := range ptrs {
		switch v := p.(type) {
		case *string:
			out[i] = *v
		case *int64:
			out[i] = *v
		case *bool:
			out[i] = *v
		case jsonValue:
			s, err := v.Value()
			if err != nil {
				return nil, err
			}
			out[i] = s
		default:
			return nil, fmt.Errorf("index: unsupported column type %T", p)
		}
	}
	return out, nil
}

// jsonValue stores the value behind ptr as a JSON text column.
type jsonValue struct {
	ptr any
}

func (j jsonValue) Value() (driver.Value, error) {
	b, err := json.Marshal(j.ptr)
	if err != nil {
		return nil, fmt.Errorf("index: encode json column: %w", err)
	}
	return string(b), nil
}

func (j jsonValue) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("index: cannot scan %T into json column", src)
	}
	if err := json.Unmarshal(b, j.ptr); err != nil {
		return fmt.Errorf("index: decode json column: %w", err)
	}
	return nil
}
