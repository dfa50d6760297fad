package mapping

import (
	"context"
	"fmt"

	"github.com/ternarybob/migro/internal/models"
)

// FanOut replicates each downloaded value once per category option combo of
// the selected category option, setting attributeOptionCombo accordingly.
// Fails when the category option does not belong to the attribute.
func FanOut(ctx context.Context, ms MetadataSource, values []models.DataValue, selector *models.CategoryOptionSelector) ([]models.DataValue, error) {
	if selector == nil {
		return values, nil
	}

	category, err := ms.GetCategory(ctx, selector.AttributeID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attribute %s: %w", selector.AttributeID, err)
	}

	var option *models.CategoryOption
	for i := range category.CategoryOptions {
		if category.CategoryOptions[i].ID == selector.CategoryOptionID {
			option = &category.CategoryOptions[i]
			break
		}
	}
	if option == nil {
		return nil, fmt.Errorf("category option %s does not belong to attribute %s",
			selector.CategoryOptionID, selector.AttributeID)
	}

	if len(option.CategoryOptionCombos) == 0 {
		return values, nil
	}

	out := make([]models.DataValue, 0, len(values)*len(option.CategoryOptionCombos))
	for _, v := range values {
		for _, aoc := range option.CategoryOptionCombos {
			fanned := v
			fanned.AttributeOptionCombo = aoc.ID
			out = append(out, fanned)
		}
	}
	return out, nil
}
