package models

import "encoding/json"

// CategoryOptionCombo is a disaggregation of a data element's category combo.
type CategoryOptionCombo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CategoryCombo groups the option combos of a data element.
type CategoryCombo struct {
	ID                   string                `json:"id"`
	Name                 string                `json:"name,omitempty"`
	CategoryOptionCombos []CategoryOptionCombo `json:"categoryOptionCombos"`
}

// DataElement carries the subset of element metadata the mapping engine needs.
type DataElement struct {
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	CategoryCombo *CategoryCombo `json:"categoryCombo,omitempty"`
}

// CategoryOption as returned by the categories API; used for
// attribute-option-combo fan-out.
type CategoryOption struct {
	ID                   string                `json:"id"`
	Name                 string                `json:"name,omitempty"`
	CategoryOptionCombos []CategoryOptionCombo `json:"categoryOptionCombos"`
}

// Category (attribute) with its options, used to verify selector membership.
type Category struct {
	ID              string           `json:"id"`
	Name            string           `json:"name,omitempty"`
	CategoryOptions []CategoryOption `json:"categoryOptions"`
}

// MetadataBundle is the transitive closure shipped from a metadata download
// to a metadata upload. Object payloads are passed through untouched; only
// the top-level grouping is interpreted.
type MetadataBundle struct {
	Dashboards     []json.RawMessage `json:"dashboards,omitempty"`
	Visualizations []json.RawMessage `json:"visualizations,omitempty"`
	Maps           []json.RawMessage `json:"maps,omitempty"`
	DataElements   []json.RawMessage `json:"dataElements,omitempty"`
	Indicators     []json.RawMessage `json:"indicators,omitempty"`
	LegendSets     []json.RawMessage `json:"legendSets,omitempty"`
}

// TotalItems counts all objects across groups.
func (b *MetadataBundle) TotalItems() int {
	return len(b.Dashboards) + len(b.Visualizations) + len(b.Maps) +
		len(b.DataElements) + len(b.Indicators) + len(b.LegendSets)
}
