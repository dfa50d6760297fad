package validation

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/common"
	"github.com/ternarybob/migro/internal/dhis"
	"github.com/ternarybob/migro/internal/interfaces"
	"github.com/ternarybob/migro/internal/mapping"
	"github.com/ternarybob/migro/internal/models"
	"github.com/ternarybob/migro/internal/queue"
)

// Request selects what a validation run compares.
type Request struct {
	ConfigID          string               `json:"configId"`
	DataItemConfigIDs []string             `json:"dataItemsConfigIds" validate:"required,min=1"`
	Periods           []string             `json:"periods"`
	OrgUnits          []string             `json:"orgUnits"`
	Runtime           models.RuntimeConfig `json:"runtimeConfig"`
}

// Engine runs validations off-thread and tracks them in a session store.
type Engine struct {
	configs    interfaces.ConfigStorage
	validation interfaces.ValidationStorage
	sessions   *SessionStore
	cfg        *common.Config
	logger     arbor.ILogger
}

// NewEngine creates a validation engine.
func NewEngine(storage interfaces.StorageManager, sessions *SessionStore, cfg *common.Config, logger arbor.ILogger) *Engine {
	return &Engine{
		configs:    storage.ConfigStorage(),
		validation: storage.ValidationStorage(),
		sessions:   sessions,
		cfg:        cfg,
		logger:     logger,
	}
}

// Sessions exposes the session store for the status API.
func (e *Engine) Sessions() *SessionStore {
	return e.sessions
}

// Start kicks off a validation run and returns its session. The run itself
// proceeds on its own goroutine; callers observe it through the session.
// The request parameters are persisted per config for operator re-runs.
func (e *Engine) Start(ctx context.Context, req Request) (*Session, error) {
	config, err := e.configs.Get(ctx, req.ConfigID)
	if err != nil {
		return nil, err
	}

	periods := req.Periods
	if len(periods) == 0 {
		periods = req.Runtime.Periods
	}

	params := &models.ValidationParams{
		ConfigID:          req.ConfigID,
		DataItemConfigIDs: req.DataItemConfigIDs,
		Periods:           periods,
		OrgUnits:          req.OrgUnits,
		Runtime:           req.Runtime,
	}
	if err := e.validation.SaveParams(ctx, params); err != nil {
		e.logger.Warn().Err(err).Str("config", req.ConfigID).Msg("Failed to persist validation params")
	}

	session := e.sessions.Create(common.NewSessionID(), req.ConfigID)
	go e.run(context.WithoutCancel(ctx), config, req, periods, session)
	return session, nil
}

// key identifies one value across instances. The combo falls back to
// "default" so values without disaggregation still join.
type key struct {
	dataElement string
	period      string
	orgUnit     string
	combo       string
}

func keyFor(v models.DataValue) key {
	combo := v.CategoryOptionCombo
	if combo == "" {
		combo = "default"
	}
	return key{dataElement: v.DataElement, period: v.Period, orgUnit: v.OrgUnit, combo: combo}
}

func (e *Engine) run(ctx context.Context, config *models.MigrationConfig, req Request, periods []string, session *Session) {
	result := session.Snapshot()

	sourceValues, destValues, err := e.fetch(ctx, config, req, periods, session)
	if err != nil {
		e.logger.Error().Err(err).Str("config", config.ID).Msg("Validation fetch failed")
		session.fail(err)
		return
	}

	sourceMap := make(map[key]string, len(sourceValues))
	for _, v := range sourceValues {
		sourceMap[keyFor(v)] = v.Value
	}
	destMap := make(map[key]string, len(destValues))
	for _, v := range destValues {
		destMap[keyFor(v)] = v.Value
	}

	total := len(sourceValues) + len(destValues)
	processed := 0
	var discrepancies []models.Discrepancy

	for _, v := range sourceValues {
		k := keyFor(v)
		destValue, ok := destMap[k]
		switch {
		case !ok:
			discrepancies = append(discrepancies, discrepancy(k, v.Value, "", models.MissingInDestination, models.SeverityMajor))
		case destValue != v.Value:
			discrepancies = append(discrepancies, discrepancy(k, v.Value, destValue, models.ValueMismatch, mismatchSeverity(v.Value, destValue)))
		}
		processed++
		session.setProgress(processed, total, len(discrepancies))
	}
	for _, v := range destValues {
		k := keyFor(v)
		if _, ok := sourceMap[k]; !ok {
			discrepancies = append(discrepancies, discrepancy(k, "", v.Value, models.MissingInSource, models.SeverityMinor))
		}
		processed++
		session.setProgress(processed, total, len(discrepancies))
	}

	result.Status = models.ValidationCompleted
	result.Discrepancies = discrepancies
	result.SourceRecords = len(sourceValues)
	result.DestinationRecords = len(destValues)
	result.Progress = models.ValidationProgress{
		RecordsProcessed:   processed,
		TotalRecords:       total,
		DiscrepanciesFound: len(discrepancies),
	}
	result.CompletedAt = time.Now()
	session.complete(result)

	e.logger.Info().
		Str("config", config.ID).
		Str("session", result.SessionID).
		Int("source_records", result.SourceRecords).
		Int("destination_records", result.DestinationRecords).
		Int("discrepancies", len(discrepancies)).
		Msg("Validation completed")
}

// fetch pulls source and destination values in parallel, chunking the data
// element list by pageSize when configured. Destination values are keyed
// back onto source identifiers via the config's mappings so the two sides
// join.
func (e *Engine) fetch(ctx context.Context, config *models.MigrationConfig, req Request, periods []string, session *Session) ([]models.DataValue, []models.DataValue, error) {
	type slice struct {
		item      *models.DataItemConfig
		periods   []string
		sourceDEs []string
		destDEs   []string
		destToSrc map[string]string
		orgUnit   string
	}

	var slices []slice
	for _, itemID := range req.DataItemConfigIDs {
		item := config.DataItemByID(itemID)
		if item == nil {
			return nil, nil, models.NewValidationError("unknown data item config %q", itemID)
		}
		itemPeriods, err := queue.ExpandPeriods(item.PeriodType, periods)
		if err != nil {
			return nil, nil, err
		}
		if len(itemPeriods) == 0 {
			continue
		}

		srcSet := make([]string, 0, len(item.Mappings))
		dstSet := make([]string, 0, len(item.Mappings))
		destToSrc := make(map[string]string, len(item.Mappings))
		seenSrc := map[string]struct{}{}
		seenDst := map[string]struct{}{}
		for _, m := range item.Mappings {
			src, _ := mapping.SplitCompound(m.SourceID)
			dst, _ := mapping.SplitCompound(m.DestinationID)
			if _, ok := seenSrc[src]; !ok {
				seenSrc[src] = struct{}{}
				srcSet = append(srcSet, src)
			}
			if _, ok := seenDst[dst]; !ok {
				seenDst[dst] = struct{}{}
				dstSet = append(dstSet, dst)
			}
			destToSrc[dst] = src
		}
		if len(srcSet) == 0 {
			continue
		}

		orgUnit := dhis.OrgUnitDimension(item.ParentOrgUnit, item.OrgUnitLevel)
		if req.Runtime.ParentOrgUnitID != "" || req.Runtime.OrgUnitLevelID > 0 {
			parent := item.ParentOrgUnit
			level := item.OrgUnitLevel
			if req.Runtime.ParentOrgUnitID != "" {
				parent = req.Runtime.ParentOrgUnitID
			}
			if req.Runtime.OrgUnitLevelID > 0 {
				level = req.Runtime.OrgUnitLevelID
			}
			orgUnit = dhis.OrgUnitDimension(parent, level)
		}

		slices = append(slices, slice{
			item:      item,
			periods:   itemPeriods,
			sourceDEs: srcSet,
			destDEs:   dstSet,
			destToSrc: destToSrc,
			orgUnit:   orgUnit,
		})
	}

	if len(slices) == 0 {
		return nil, nil, nil
	}

	timeout := common.ParseDurationOr(e.cfg.Upstream.DataTimeout, 120*time.Second)
	if req.Runtime.TimeoutMS > 0 {
		timeout = time.Duration(req.Runtime.TimeoutMS) * time.Millisecond
	}
	sourceClient := dhis.NewSourceClient(config,
		dhis.WithTimeout(timeout),
		dhis.WithRateLimit(e.cfg.Upstream.RatePerSecond),
		dhis.WithLogger(e.logger),
	)
	destClient := dhis.NewDestinationClient(config,
		dhis.WithTimeout(timeout),
		dhis.WithRateLimit(e.cfg.Upstream.RatePerSecond),
		dhis.WithLogger(e.logger),
	)

	var (
		wg           sync.WaitGroup
		sourceValues []models.DataValue
		destValues   []models.DataValue
		sourceErr    error
		destErr      error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, s := range slices {
			for _, chunk := range chunkIDs(s.sourceDEs, req.Runtime.PageSize) {
				set, err := sourceClient.GetDataValueSet(ctx, chunk, s.periods, s.orgUnit)
				if err != nil {
					sourceErr = fmt.Errorf("source fetch: %w", err)
					return
				}
				sourceValues = append(sourceValues, set.DataValues...)
			}
		}
	}()

	if !req.Runtime.SkipDestination {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, s := range slices {
				for _, chunk := range chunkIDs(s.destDEs, req.Runtime.PageSize) {
					set, err := destClient.GetDataValueSet(ctx, chunk, s.periods, s.orgUnit)
					if err != nil {
						destErr = fmt.Errorf("destination fetch: %w", err)
						return
					}
					for _, v := range set.DataValues {
						if src, ok := s.destToSrc[v.DataElement]; ok {
							v.DataElement = src
						}
						destValues = append(destValues, v)
					}
				}
			}
		}()
	}

	wg.Wait()
	if sourceErr != nil {
		return nil, nil, sourceErr
	}
	if destErr != nil {
		return nil, nil, destErr
	}
	return sourceValues, destValues, nil
}

// chunkIDs splits ids into pageSize chunks; pageSize <= 0 means one chunk.
func chunkIDs(ids []string, pageSize int) [][]string {
	if pageSize <= 0 || pageSize >= len(ids) {
		return [][]string{ids}
	}
	var out [][]string
	for start := 0; start < len(ids); start += pageSize {
		end := start + pageSize
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

func discrepancy(k key, sourceValue, destValue string, kind models.DiscrepancyKind, severity models.Severity) models.Discrepancy {
	return models.Discrepancy{
		DataElement:         k.dataElement,
		OrgUnit:             k.orgUnit,
		Period:              k.period,
		CategoryOptionCombo: k.combo,
		SourceValue:         sourceValue,
		DestinationValue:    destValue,
		Kind:                kind,
		Severity:            severity,
	}
}

// mismatchSeverity ranks a value mismatch: a destination numerically above
// the source is critical, a gap over 100 is major, anything else minor.
// Non-numeric values rank major.
func mismatchSeverity(sourceValue, destValue string) models.Severity {
	src, err1 := strconv.ParseFloat(sourceValue, 64)
	dst, err2 := strconv.ParseFloat(destValue, 64)
	if err1 != nil || err2 != nil {
		return models.SeverityMajor
	}
	switch {
	case dst > src:
		return models.SeverityCritical
	case math.Abs(dst-src) > 100:
		return models.SeverityMajor
	default:
		return models.SeverityMinor
	}
}
