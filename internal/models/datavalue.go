package models

// DataValue is one aggregated value as exchanged with the analytics and
// dataValueSets endpoints. IDs are opaque and instance-specific.
type DataValue struct {
	DataElement         string `json:"dataElement"`
	Period              string `json:"period"`
	OrgUnit             string `json:"orgUnit"`
	CategoryOptionCombo string `json:"categoryOptionCombo,omitempty"`
	AttributeOptionCombo string `json:"attributeOptionCombo,omitempty"`
	Value               string `json:"value"`
}

// DataValueSet is the payload shape of analytics/dataValueSet.json and the
// dataValueSets import endpoint, and of scratch files.
type DataValueSet struct {
	DataValues []DataValue `json:"dataValues"`
}

// ImportCount is the per-operation tally in an import summary.
type ImportCount struct {
	Imported int `json:"imported"`
	Updated  int `json:"updated"`
	Ignored  int `json:"ignored"`
	Deleted  int `json:"deleted"`
}

// ImportSummary is the destination's response to a dataValueSets or metadata
// import. On 409 the same shape arrives nested under "response".
type ImportSummary struct {
	Status      string       `json:"status,omitempty"`
	Description string       `json:"description,omitempty"`
	ImportCount *ImportCount `json:"importCount,omitempty"`
	Response    *ImportSummary `json:"response,omitempty"`
}

// Counts resolves the import count, preferring the top level and falling
// back to the nested conflict shape. Returns nil when neither is present.
func (s *ImportSummary) Counts() *ImportCount {
	if s == nil {
		return nil
	}
	if s.ImportCount != nil {
		return s.ImportCount
	}
	if s.Response != nil {
		return s.Response.ImportCount
	}
	return nil
}
