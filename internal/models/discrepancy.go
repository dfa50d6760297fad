package models

import "time"

// DiscrepancyKind classifies a validation finding.
type DiscrepancyKind string

const (
	MissingInDestination DiscrepancyKind = "missing_in_destination"
	MissingInSource      DiscrepancyKind = "missing_in_source"
	ValueMismatch        DiscrepancyKind = "value_mismatch"
	MetadataMismatch     DiscrepancyKind = "metadata_mismatch"
)

// Severity ranks a discrepancy for operator triage.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// Discrepancy is one source/destination divergence found by a validation run.
type Discrepancy struct {
	DataElement         string          `json:"dataElement"`
	OrgUnit             string          `json:"orgUnit"`
	Period              string          `json:"period"`
	CategoryOptionCombo string          `json:"categoryOptionCombo"`
	SourceValue         string          `json:"sourceValue,omitempty"`
	DestinationValue    string          `json:"destinationValue,omitempty"`
	Kind                DiscrepancyKind `json:"kind"`
	Severity            Severity        `json:"severity"`
}

// ValidationProgress is the live counter observable through the status API
// while a run is in flight.
type ValidationProgress struct {
	RecordsProcessed   int `json:"recordsProcessed"`
	TotalRecords       int `json:"totalRecords"`
	DiscrepanciesFound int `json:"discrepanciesFound"`
}

// ValidationStatus is the lifecycle state of a validation session.
type ValidationStatus string

const (
	ValidationRunning   ValidationStatus = "RUNNING"
	ValidationCompleted ValidationStatus = "COMPLETED"
	ValidationFailed    ValidationStatus = "FAILED"
)

// ValidationResult is the terminal report of a validation run.
type ValidationResult struct {
	SessionID             string             `json:"sessionId"`
	ConfigID              string             `json:"configId"`
	Status                ValidationStatus   `json:"status"`
	Discrepancies         []Discrepancy      `json:"discrepancies"`
	Progress              ValidationProgress `json:"progress"`
	SourceRecords         int                `json:"sourceRecords"`
	DestinationRecords    int                `json:"destinationRecords"`
	DestinationFetchError string             `json:"destinationFetchError,omitempty"`
	StartedAt             time.Time          `json:"startedAt"`
	CompletedAt           time.Time          `json:"completedAt,omitempty"`
}

// ValidationParams are the last-used parameters for a config, persisted so
// operators can re-run a validation without re-entering selections.
type ValidationParams struct {
	ConfigID          string        `json:"configId" badgerhold:"key"`
	DataItemConfigIDs []string      `json:"dataItemConfigIds"`
	Periods           []string      `json:"periods"`
	OrgUnits          []string      `json:"orgUnits"`
	Runtime           RuntimeConfig `json:"runtimeConfig"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}
