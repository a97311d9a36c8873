package models

import "sort"

// DataSplit describes one named subset of a dataset.
type DataSplit struct {
	Label       string `json:"label"`
	Column      string `json:"column,omitempty"`
	ColumnValue string `json:"column_value,omitempty"`
	Start       *int   `json:"start,omitempty"`
	Stop        *int   `json:"stop,omitempty"`
}

// DataCard registers a dataset.
type DataCard struct {
	Header
	DataType   string            `json:"data_type"`
	FeatureMap map[string]string `json:"feature_map"`
	DataSplits []DataSplit       `json:"data_splits"`

	Data    any    `json:"-"`
	Profile string `json:"-"`
}

func (c *DataCard) Kind() Kind { return KindData }

func (c *DataCard) Artifacts() []Artifact {
	out := []Artifact{{Name: "data", Type: c.DataType, Value: c.Data}}
	if c.Profile != "" {
		out = append(out, Artifact{Name: "profile", Type: "html", Value: c.Profile})
	}
	return out
}

func (c *DataCard) SetArtifact(name string, value any) {
	switch name {
	case "data":
		c.Data = value
	case "profile":
		if s, ok := value.(string); ok {
			c.Profile = s
		}
	}
}

func (c *DataCard) Bind() {
	if ref, ok := c.URIs["data"]; ok {
		c.DataType = ref.Type
	}
}

// ModelMetadata is the envelope stored next to a model binary.
type ModelMetadata struct {
	ModelType       string            `json:"model_type"`
	InterfaceType   string            `json:"interface_type"`
	SampleSignature map[string]string `json:"sample_signature,omitempty"`
	DataCardUID     string            `json:"datacard_uid"`
	HasONNX         bool              `json:"has_onnx"`
}

// ModelCard registers a trained model.
type ModelCard struct {
	Header
	DataCardUID   string `json:"datacard_uid"`
	ModelType     string `json:"model_type"`
	OnnxURI       string `json:"onnx_uri"`
	InterfaceType string `json:"interface_type"`

	Model           any               `json:"-"`
	SampleInput     any               `json:"-"`
	Onnx            []byte            `json:"-"`
	SampleSignature map[string]string `json:"-"`
}

func (c *ModelCard) Kind() Kind { return KindModel }

func (c *ModelCard) Artifacts() []Artifact {
	out := []Artifact{
		{Name: "model", Type: "model", Value: c.Model, Params: map[string]string{"model_type": c.ModelType}},
		{Name: "sample_data", Value: c.SampleInput},
	}
	if len(c.Onnx) > 0 {
		out = append(out, Artifact{Name: "onnx", Type: "onnx", Value: c.Onnx})
	}
	if c.Model != nil {
		out = append(out, Artifact{Name: "metadata", Type: "json", Value: ModelMetadata{
			ModelType:       c.ModelType,
			InterfaceType:   c.InterfaceType,
			SampleSignature: c.SampleSignature,
			DataCardUID:     c.DataCardUID,
			HasONNX:         len(c.Onnx) > 0,
		}})
	}
	return out
}

func (c *ModelCard) SetArtifact(name string, value any) {
	switch name {
	case "model":
		c.Model = value
	case "sample_data":
		c.SampleInput = value
	case "onnx":
		if b, ok := value.([]byte); ok {
			c.Onnx = b
		}
	}
}

func (c *ModelCard) References() []Reference {
	return []Reference{{Kind: KindData, UID: c.DataCardUID, Field: "datacard_uid"}}
}

func (c *ModelCard) Bind() {
	c.OnnxURI = ""
	if ref, ok := c.URIs["onnx"]; ok {
		c.OnnxURI = ref.URI
	}
}

// Metric is one logged measurement.
type Metric struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Step      *int    `json:"step,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

// Param is one logged parameter.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RunCard registers one execution.
type RunCard struct {
	Header
	Metrics       map[string][]Metric `json:"metrics"`
	Parameters    map[string][]Param  `json:"parameters"`
	ArtifactURIs  map[string]string   `json:"artifact_uris"`
	Project       string              `json:"project"`
	DataCardUIDs  []string            `json:"datacard_uids"`
	ModelCardUIDs []string            `json:"modelcard_uids"`

	Payloads map[string]any `json:"-"`
}

func (c *RunCard) Kind() Kind { return KindRun }

// LogMetric appends a metric value.
func (c *RunCard) LogMetric(name string, value float64, step *int) {
	if c.Metrics == nil {
		c.Metrics = map[string][]Metric{}
	}
	c.Metrics[name] = append(c.Metrics[name], Metric{Name: name, Value: value, Step: step})
}

// LogParameter appends a parameter value.
func (c *RunCard) LogParameter(name, value string) {
	if c.Parameters == nil {
		c.Parameters = map[string][]Param{}
	}
	c.Parameters[name] = append(c.Parameters[name], Param{Name: name, Value: value})
}

// LogArtifact attaches a named payload.
func (c *RunCard) LogArtifact(name string, value any) {
	if c.Payloads == nil {
		c.Payloads = map[string]any{}
	}
	c.Payloads[name] = value
}

func (c *RunCard) Artifacts() []Artifact {
	names := make([]string, 0, len(c.Payloads))
	for name := range c.Payloads {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Artifact, 0, len(names))
	for _, name := range names {
		out = append(out, Artifact{Name: name, Value: c.Payloads[name]})
	}
	return out
}

func (c *RunCard) SetArtifact(name string, value any) {
	if c.Payloads == nil {
		c.Payloads = map[string]any{}
	}
	c.Payloads[name] = value
}

func (c *RunCard) References() []Reference {
	return append(uidRefs(KindData, "datacard_uids", c.DataCardUIDs), uidRefs(KindModel, "modelcard_uids", c.ModelCardUIDs)...)
}

func (c *RunCard) Bind() {
	c.ArtifactURIs = make(map[string]string, len(c.URIs))
	for name, ref := range c.URIs {
		c.ArtifactURIs[name] = ref.URI
	}
}

// PipelineCard groups cards produced together.
type PipelineCard struct {
	Header
	DataCardUIDs  []string `json:"datacard_uids"`
	ModelCardUIDs []string `json:"modelcard_uids"`
	RunCardUIDs   []string `json:"runcard_uids"`
}

func (c *PipelineCard) Kind() Kind { return KindPipeline }

func (c *PipelineCard) References() []Reference {
	refs := uidRefs(KindData, "datacard_uids", c.DataCardUIDs)
	refs = append(refs, uidRefs(KindModel, "modelcard_uids", c.ModelCardUIDs)...)
	return append(refs, uidRefs(KindRun, "runcard_uids", c.RunCardUIDs)...)
}

// AuditQuestion is one questionnaire entry.
type AuditQuestion struct {
	Question string `json:"question"`
	Purpose  string `json:"purpose,omitempty"`
	Response string `json:"response,omitempty"`
}

// AuditCard registers a questionnaire and its approval.
type AuditCard struct {
	Header
	Audit    map[string][]AuditQuestion `json:"audit"`
	Approved bool                       `json:"approved"`
}

func (c *AuditCard) Kind() Kind { return KindAudit }

// Answer records a response for question index i of section.
func (c *AuditCard) Answer(section string, i int, response string) bool {
	qs := c.Audit[section]
	if i < 0 || i >= len(qs) {
		return false
	}
	qs[i].Response = response
	return true
}

// ProjectCard groups runs under team:name.
type ProjectCard struct {
	Header
	ProjectID string `json:"project_id"`
}

func (c *ProjectCard) Kind() Kind { return KindProject }

func (c *ProjectCard) Bind() {
	c.ProjectID = c.Team + ":" + c.Name
}

func uidRefs(kind Kind, field string, uids []string) []Reference {
	out := make([]Reference, 0, len(uids))
	for _, uid := range uids {
		out = append(out, Reference{Kind: kind, UID: uid, Field: field})
	}
	return out
}
