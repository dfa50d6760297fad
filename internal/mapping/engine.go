// Package mapping expands data element mappings across category option
// combos and rewrites downloaded values onto destination identifiers.
package mapping

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/models"
)

// MetadataSource provides the metadata lookups the engine needs. Satisfied
// by *dhis.Client.
type MetadataSource interface {
	GetDataElement(ctx context.Context, id string) (*models.DataElement, error)
	GetCategory(ctx context.Context, id string) (*models.Category, error)
}

// comboEntry is one fully-qualified expansion of a mapping side.
type comboEntry struct {
	comboKey string // "{dataElement}.{categoryOptionCombo}"
	id       string
	name     string
}

// Engine expands mappings against a source and a destination instance.
// Data element lookups are cached per side for the engine's lifetime, so an
// engine is scoped to one job.
type Engine struct {
	source      MetadataSource
	destination MetadataSource
	logger      arbor.ILogger

	sourceCache map[string]*models.DataElement
	destCache   map[string]*models.DataElement
}

// NewEngine creates a mapping engine over the two instances.
func NewEngine(source, destination MetadataSource, logger arbor.ILogger) *Engine {
	return &Engine{
		source:      source,
		destination: destination,
		logger:      logger,
		sourceCache: make(map[string]*models.DataElement),
		destCache:   make(map[string]*models.DataElement),
	}
}

// IsCompound reports whether an identifier already carries a category
// option combo qualifier.
func IsCompound(id string) bool {
	return strings.Contains(id, ".")
}

// SplitCompound splits "{dataElement}.{categoryOptionCombo}" into its parts.
// The combo part is empty for bare identifiers.
func SplitCompound(id string) (dataElement, combo string) {
	parts := strings.SplitN(id, ".", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return id, ""
}

// Expand turns a list of bare or compound mappings into fully-qualified
// compound mappings. Already-compound pairs pass through unchanged; mixed
// or bare pairs are expanded over each side's category option combos and
// joined destination-to-source by combo ID, falling back to combo name.
// Combinations with no match are dropped. The result is deduplicated.
func (e *Engine) Expand(ctx context.Context, mappings []models.Mapping) ([]models.Mapping, error) {
	var expanded []models.Mapping
	seen := make(map[models.Mapping]struct{})

	add := func(m models.Mapping) {
		if _, ok := seen[m]; !ok {
			seen[m] = struct{}{}
			expanded = append(expanded, m)
		}
	}

	for _, m := range mappings {
		if IsCompound(m.SourceID) && IsCompound(m.DestinationID) {
			add(m)
			continue
		}

		sourceEntries, err := e.expandSide(ctx, e.source, e.sourceCache, m.SourceID)
		if err != nil {
			return nil, fmt.Errorf("failed to expand source %s: %w", m.SourceID, err)
		}
		destEntries, err := e.expandSide(ctx, e.destination, e.destCache, m.DestinationID)
		if err != nil {
			return nil, fmt.Errorf("failed to expand destination %s: %w", m.DestinationID, err)
		}

		matched := 0
		for _, d := range destEntries {
			s, ok := joinEntry(d, sourceEntries)
			if !ok {
				continue
			}
			add(models.Mapping{SourceID: s.comboKey, DestinationID: d.comboKey})
			matched++
		}

		if e.logger != nil {
			e.logger.Debug().
				Str("source", m.SourceID).
				Str("destination", m.DestinationID).
				Int("source_combos", len(sourceEntries)).
				Int("destination_combos", len(destEntries)).
				Int("matched", matched).
				Msg("Expanded mapping")
		}
	}

	return expanded, nil
}

// joinEntry finds the source entry matching a destination entry, first by
// combo ID, then by combo name. No other match is permitted.
func joinEntry(d comboEntry, sources []comboEntry) (comboEntry, bool) {
	for _, s := range sources {
		if s.id == d.id {
			return s, true
		}
	}
	if d.name != "" {
		for _, s := range sources {
			if s.name == d.name {
				return s, true
			}
		}
	}
	return comboEntry{}, false
}

// expandSide lists the combo entries for one side of a mapping. A compound
// identifier expands to its single named combo; a bare identifier expands to
// every combo of the element's category combo.
func (e *Engine) expandSide(ctx context.Context, ms MetadataSource, cache map[string]*models.DataElement, id string) ([]comboEntry, error) {
	deID, cocID := SplitCompound(id)

	element, ok := cache[deID]
	if !ok {
		var err error
		element, err = ms.GetDataElement(ctx, deID)
		if err != nil {
			return nil, err
		}
		cache[deID] = element
	}

	var combos []models.CategoryOptionCombo
	if element.CategoryCombo != nil {
		combos = element.CategoryCombo.CategoryOptionCombos
	}

	if cocID != "" {
		name := ""
		for _, coc := range combos {
			if coc.ID == cocID {
				name = coc.Name
				break
			}
		}
		return []comboEntry{{comboKey: id, id: cocID, name: name}}, nil
	}

	entries := make([]comboEntry, 0, len(combos))
	for _, coc := range combos {
		entries = append(entries, comboEntry{
			comboKey: deID + "." + coc.ID,
			id:       coc.ID,
			name:     coc.Name,
		})
	}
	return entries, nil
}

// Rewrite translates downloaded values onto destination identifiers using
// the expanded mappings. Values whose (dataElement, categoryOptionCombo)
// has no mapping are dropped.
func Rewrite(values []models.DataValue, expanded []models.Mapping) []models.DataValue {
	byKey := make(map[string]models.Mapping, len(expanded))
	for _, m := range expanded {
		byKey[m.SourceID] = m
	}

	var out []models.DataValue
	for _, v := range values {
		key := v.DataElement
		if v.CategoryOptionCombo != "" {
			key = v.DataElement + "." + v.CategoryOptionCombo
		}
		m, ok := byKey[key]
		if !ok {
			m, ok = byKey[v.DataElement]
			if !ok {
				continue
			}
		}
		de, coc := SplitCompound(m.DestinationID)
		v.DataElement = de
		if coc != "" {
			v.CategoryOptionCombo = coc
		}
		out = append(out, v)
	}
	return out
}
