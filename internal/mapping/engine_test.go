package mapping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/migro/internal/common"
	"github.com/ternarybob/migro/internal/models"
)

// fakeSource serves metadata from maps and counts lookups.
type fakeSource struct {
	elements     map[string]*models.DataElement
	categories   map[string]*models.Category
	elementCalls int
}

func (f *fakeSource) GetDataElement(_ context.Context, id string) (*models.DataElement, error) {
	f.elementCalls++
	e, ok := f.elements[id]
	if !ok {
		return nil, &models.HTTPError{StatusCode: 404, URL: "dataElements/" + id}
	}
	return e, nil
}

func (f *fakeSource) GetCategory(_ context.Context, id string) (*models.Category, error) {
	c, ok := f.categories[id]
	if !ok {
		return nil, &models.HTTPError{StatusCode: 404, URL: "categories/" + id}
	}
	return c, nil
}

func element(id string, combos ...models.CategoryOptionCombo) *models.DataElement {
	return &models.DataElement{
		ID:   id,
		Name: "Element " + id,
		CategoryCombo: &models.CategoryCombo{
			ID:                   "cc-" + id,
			CategoryOptionCombos: combos,
		},
	}
}

func TestSplitCompound(t *testing.T) {
	de, coc := SplitCompound("abc.xyz")
	assert.Equal(t, "abc", de)
	assert.Equal(t, "xyz", coc)

	de, coc = SplitCompound("abc")
	assert.Equal(t, "abc", de)
	assert.Empty(t, coc)

	assert.True(t, IsCompound("abc.xyz"))
	assert.False(t, IsCompound("abc"))
}

func TestExpandCompoundPairPassesThrough(t *testing.T) {
	e := NewEngine(&fakeSource{}, &fakeSource{}, common.GetLogger())

	out, err := e.Expand(context.Background(), []models.Mapping{
		{SourceID: "sde.scoc", DestinationID: "dde.dcoc"},
	})
	require.NoError(t, err)
	assert.Equal(t, []models.Mapping{{SourceID: "sde.scoc", DestinationID: "dde.dcoc"}}, out)
}

func TestExpandJoinsByComboID(t *testing.T) {
	src := &fakeSource{elements: map[string]*models.DataElement{
		"sde": element("sde",
			models.CategoryOptionCombo{ID: "cocA", Name: "Male"},
			models.CategoryOptionCombo{ID: "cocB", Name: "Female"},
		),
	}}
	dst := &fakeSource{elements: map[string]*models.DataElement{
		"dde": element("dde",
			models.CategoryOptionCombo{ID: "cocA", Name: "Hombre"},
			models.CategoryOptionCombo{ID: "cocB", Name: "Mujer"},
		),
	}}
	e := NewEngine(src, dst, common.GetLogger())

	out, err := e.Expand(context.Background(), []models.Mapping{
		{SourceID: "sde", DestinationID: "dde"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.Mapping{
		{SourceID: "sde.cocA", DestinationID: "dde.cocA"},
		{SourceID: "sde.cocB", DestinationID: "dde.cocB"},
	}, out)
}

func TestExpandFallsBackToComboName(t *testing.T) {
	src := &fakeSource{elements: map[string]*models.DataElement{
		"sde": element("sde",
			models.CategoryOptionCombo{ID: "src1", Name: "Male"},
			models.CategoryOptionCombo{ID: "src2", Name: "Female"},
		),
	}}
	dst := &fakeSource{elements: map[string]*models.DataElement{
		"dde": element("dde",
			models.CategoryOptionCombo{ID: "dst1", Name: "Male"},
			models.CategoryOptionCombo{ID: "dst2", Name: "Female"},
		),
	}}
	e := NewEngine(src, dst, common.GetLogger())

	out, err := e.Expand(context.Background(), []models.Mapping{
		{SourceID: "sde", DestinationID: "dde"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.Mapping{
		{SourceID: "sde.src1", DestinationID: "dde.dst1"},
		{SourceID: "sde.src2", DestinationID: "dde.dst2"},
	}, out)
}

func TestExpandDropsUnmatchedCombos(t *testing.T) {
	src := &fakeSource{elements: map[string]*models.DataElement{
		"sde": element("sde", models.CategoryOptionCombo{ID: "only-src", Name: "A"}),
	}}
	dst := &fakeSource{elements: map[string]*models.DataElement{
		"dde": element("dde", models.CategoryOptionCombo{ID: "only-dst", Name: "B"}),
	}}
	e := NewEngine(src, dst, common.GetLogger())

	out, err := e.Expand(context.Background(), []models.Mapping{
		{SourceID: "sde", DestinationID: "dde"},
	})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestExpandCachesElementLookups(t *testing.T) {
	src := &fakeSource{elements: map[string]*models.DataElement{
		"sde": element("sde", models.CategoryOptionCombo{ID: "c1", Name: "N"}),
	}}
	dst := &fakeSource{elements: map[string]*models.DataElement{
		"dde": element("dde", models.CategoryOptionCombo{ID: "c1", Name: "N"}),
	}}
	e := NewEngine(src, dst, common.GetLogger())

	mappings := []models.Mapping{
		{SourceID: "sde", DestinationID: "dde"},
		{SourceID: "sde", DestinationID: "dde"},
	}
	out, err := e.Expand(context.Background(), mappings)
	require.NoError(t, err)
	assert.Len(t, out, 1) // deduplicated
	assert.Equal(t, 1, src.elementCalls)
	assert.Equal(t, 1, dst.elementCalls)
}

func TestExpandPropagatesLookupError(t *testing.T) {
	e := NewEngine(&fakeSource{}, &fakeSource{}, common.GetLogger())
	_, err := e.Expand(context.Background(), []models.Mapping{
		{SourceID: "missing", DestinationID: "dde"},
	})
	require.Error(t, err)
}

func TestRewrite(t *testing.T) {
	expanded := []models.Mapping{
		{SourceID: "sde.c1", DestinationID: "dde.d1"},
		{SourceID: "bare", DestinationID: "dbare"},
	}
	values := []models.DataValue{
		{DataElement: "sde", CategoryOptionCombo: "c1", Period: "202401", OrgUnit: "ou", Value: "5"},
		{DataElement: "bare", Period: "202401", OrgUnit: "ou", Value: "7"},
		{DataElement: "unmapped", CategoryOptionCombo: "cX", Period: "202401", OrgUnit: "ou", Value: "9"},
	}

	out := Rewrite(values, expanded)
	require.Len(t, out, 2)
	assert.Equal(t, "dde", out[0].DataElement)
	assert.Equal(t, "d1", out[0].CategoryOptionCombo)
	assert.Equal(t, "5", out[0].Value)
	assert.Equal(t, "dbare", out[1].DataElement)
	assert.Empty(t, out[1].CategoryOptionCombo)
}

func TestFanOut(t *testing.T) {
	ms := &fakeSource{categories: map[string]*models.Category{
		"attr": {
			ID: "attr",
			CategoryOptions: []models.CategoryOption{
				{
					ID: "opt1",
					CategoryOptionCombos: []models.CategoryOptionCombo{
						{ID: "aoc1"}, {ID: "aoc2"},
					},
				},
			},
		},
	}}
	values := []models.DataValue{
		{DataElement: "de", Period: "202401", OrgUnit: "ou", Value: "3"},
	}

	out, err := FanOut(context.Background(), ms, values,
		&models.CategoryOptionSelector{AttributeID: "attr", CategoryOptionID: "opt1"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "aoc1", out[0].AttributeOptionCombo)
	assert.Equal(t, "aoc2", out[1].AttributeOptionCombo)
}

func TestFanOutNilSelectorPassesThrough(t *testing.T) {
	values := []models.DataValue{{DataElement: "de", Value: "1"}}
	out, err := FanOut(context.Background(), &fakeSource{}, values, nil)
	require.NoError(t, err)
	assert.Equal(t, values, out)
}

func TestFanOutUnknownOption(t *testing.T) {
	ms := &fakeSource{categories: map[string]*models.Category{
		"attr": {ID: "attr"},
	}}
	_, err := FanOut(context.Background(), ms, nil,
		&models.CategoryOptionSelector{AttributeID: "attr", CategoryOptionID: "ghost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not belong to attribute")
}
