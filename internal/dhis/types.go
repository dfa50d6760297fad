package dhis

import (
	"encoding/json"
	"fmt"
)

// Import strategies accepted by the dataValueSets and metadata endpoints.
const (
	StrategyCreateAndUpdate = "CREATE_AND_UPDATE"
	StrategyDelete          = "DELETE"
)

// Metadata object types addressable through ListObjects.
const (
	TypeDashboards     = "dashboards"
	TypeVisualizations = "visualizations"
	TypeMaps           = "maps"
	TypeDataElements   = "dataElements"
	TypeIndicators     = "indicators"
	TypeLegendSets     = "legendSets"
)

// ownerFields requests the full owned object graph, the shape the metadata
// import endpoint accepts back.
const ownerFields = ":owner"

// listEnvelope is the wrapper every collection endpoint returns: the objects
// sit under their plural type key.
type listEnvelope map[string]json.RawMessage

// objects extracts the raw object list for the given type key.
func (e listEnvelope) objects(objectType string) ([]json.RawMessage, error) {
	raw, ok := e[objectType]
	if !ok {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("failed to decode %s list: %w", objectType, err)
	}
	return items, nil
}

// OrgUnitDimension renders the analytics ou dimension for a parent org unit
// and/or a level. DHIS2 accepts "LEVEL-{n}" items alongside org unit IDs.
func OrgUnitDimension(parentOrgUnit string, level int) string {
	switch {
	case parentOrgUnit != "" && level > 0:
		return fmt.Sprintf("%s;LEVEL-%d", parentOrgUnit, level)
	case level > 0:
		return fmt.Sprintf("LEVEL-%d", level)
	default:
		return parentOrgUnit
	}
}
