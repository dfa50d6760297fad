package models

import "time"

// MigrationConfig pairs a source DHIS2-compatible instance with a destination
// instance and an ordered set of data item configs to migrate between them.
// Configs are persisted in the badgerhold store and referenced by ID from
// every queue, job and API surface.
type MigrationConfig struct {
	ID          string           `toml:"id" json:"id" badgerhold:"key" validate:"required"`
	Name        string           `toml:"name" json:"name"`
	Source      SourceInstance   `toml:"source" json:"source" validate:"required"`
	Destination TargetInstance   `toml:"destination" json:"destination" validate:"required"`
	DataItems   []DataItemConfig `toml:"data_items" json:"dataItems"`
	CreatedAt   time.Time        `toml:"-" json:"createdAt"`
	UpdatedAt   time.Time        `toml:"-" json:"updatedAt"`
}

// SourceInstance describes the instance data is read from. When RouteID is
// set, source requests are proxied through the destination's route gateway
// (api/routes/{RouteID}/run) instead of hitting BaseURL directly.
type SourceInstance struct {
	BaseURL  string `toml:"base_url" json:"baseUrl" validate:"required,url"`
	Username string `toml:"username" json:"username"`
	Password string `toml:"password" json:"-"`
	RouteID  string `toml:"route_id" json:"routeId,omitempty"`
}

// TargetInstance describes the instance data is written to.
type TargetInstance struct {
	BaseURL  string `toml:"base_url" json:"baseUrl" validate:"required,url"`
	Username string `toml:"username" json:"username"`
	Password string `toml:"password" json:"-"`
}

// DataItemConfig groups mappings that share a period type and org unit scope.
type DataItemConfig struct {
	ID             string                  `toml:"id" json:"id" validate:"required"`
	Name           string                  `toml:"name" json:"name"`
	PeriodType     string                  `toml:"period_type" json:"periodType" validate:"required"`
	ParentOrgUnit  string                  `toml:"parent_org_unit" json:"parentOrgUnit"`
	OrgUnitLevel   int                     `toml:"org_unit_level" json:"orgUnitLevel"`
	Mappings       []Mapping               `toml:"mappings" json:"mappings"`
	AttributeCombo *CategoryOptionSelector `toml:"attribute_combo" json:"attributeCombo,omitempty"`
}

// Mapping links a source identifier to a destination identifier. Either side
// may be a bare data element ID or a compound
// "dataElementId.categoryOptionComboId".
type Mapping struct {
	SourceID      string `toml:"source_id" json:"sourceId" validate:"required"`
	DestinationID string `toml:"destination_id" json:"destinationId" validate:"required"`
}

// CategoryOptionSelector selects one category option of an attribute; each
// downloaded value is fanned out across the option's category option combos
// with attributeOptionCombo set accordingly.
type CategoryOptionSelector struct {
	AttributeID      string `toml:"attribute_id" json:"attributeId" validate:"required"`
	CategoryOptionID string `toml:"category_option_id" json:"categoryOptionId" validate:"required"`
}

// DataItemByID returns the data item config with the given ID, or nil.
func (c *MigrationConfig) DataItemByID(id string) *DataItemConfig {
	for i := range c.DataItems {
		if c.DataItems[i].ID == id {
			return &c.DataItems[i]
		}
	}
	return nil
}

// RuntimeConfig carries per-request overrides threaded through planner and
// handlers. Zero values fall back to the config / defaults.
type RuntimeConfig struct {
	Periods         []string `json:"periods"`
	PageSize        int      `json:"pageSize,omitempty"`
	PaginateByData  bool     `json:"paginateByData,omitempty"`
	TimeoutMS       int      `json:"timeout,omitempty"`
	OrgUnitLevelID  int      `json:"orgUnitLevelId,omitempty"`
	ParentOrgUnitID string   `json:"parentOrgUnitId,omitempty"`
	SkipDestination bool     `json:"skipDestination,omitempty"`
}
