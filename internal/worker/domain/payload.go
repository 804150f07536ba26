package domain

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the discriminator of a job envelope
type Kind string

const (
	KindFhirSync       Kind = "FhirSync"
	KindDataValidation Kind = "DataValidation"
	KindAuditReport    Kind = "AuditReport"
	KindNotification   Kind = "Notification"
	KindDataExport     Kind = "DataExport"
	KindDataImport     Kind = "DataImport"
	KindDataCleanup    Kind = "DataCleanup"
	KindAnalytics      Kind = "Analytics"
)

// Kinds returns every job kind in taxonomy order
func Kinds() []Kind {
	return []Kind{
		KindFhirSync,
		KindDataValidation,
		KindAuditReport,
		KindNotification,
		KindDataExport,
		KindDataImport,
		KindDataCleanup,
		KindAnalytics,
	}
}

// newPayload returns an empty record for the kind, or nil for an unknown kind
func (k Kind) newPayload() Payload {
	switch k {
	case KindFhirSync:
		return &FhirSyncJob{}
	case KindDataValidation:
		return &DataValidationJob{}
	case KindAuditReport:
		return &AuditReportJob{}
	case KindNotification:
		return &NotificationJob{}
	case KindDataExport:
		return &DataExportJob{}
	case KindDataImport:
		return &DataImportJob{}
	case KindDataCleanup:
		return &DataCleanupJob{}
	case KindAnalytics:
		return &AnalyticsJob{}
	}
	return nil
}

// Valid reports whether k is part of the taxonomy
func (k Kind) Valid() bool {
	return k.newPayload() != nil
}

func (k Kind) String() string {
	return string(k)
}

// Payload is one case of the job taxonomy
type Payload interface {
	Kind() Kind
}

// FhirSyncJob synchronizes patient data with an external FHIR server
type FhirSyncJob struct {
	PatientID     uuid.UUID     `json:"patient_id" validate:"required"`
	ResourceType  string        `json:"resource_type" validate:"required"`
	SourceURL     string        `json:"source_url" validate:"required,url"`
	TargetURL     string        `json:"target_url" validate:"required,url"`
	LastSync      *time.Time    `json:"last_sync,omitempty"`
	SyncDirection SyncDirection `json:"sync_direction" validate:"oneof=Pull Push Bidirectional"`
}

func (*FhirSyncJob) Kind() Kind { return KindFhirSync }

// DataValidationJob validates patient data integrity
type DataValidationJob struct {
	PatientID      *uuid.UUID       `json:"patient_id,omitempty"`
	ValidationType ValidationType   `json:"validation_type" validate:"oneof=Schema BusinessRules Completeness Consistency Accuracy"`
	Rules          []ValidationRule `json:"rules" validate:"dive"`
	AutoFix        bool             `json:"auto_fix"`
}

func (*DataValidationJob) Kind() Kind { return KindDataValidation }

type ValidationRule struct {
	Name        string             `json:"name" validate:"required"`
	Description string             `json:"description"`
	RuleType    string             `json:"rule_type"`
	Expression  string             `json:"expression"`
	Severity    ValidationSeverity `json:"severity" validate:"oneof=Info Warning Error Critical"`
}

// DateRange is an inclusive reporting window
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end" validate:"gtefield=Start"`
}

// Contains reports whether t falls inside the range
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// AuditReportJob generates an audit report
type AuditReportJob struct {
	ReportType      AuditReportType `json:"report_type" validate:"oneof=AccessLog DataChanges UserActivity SecurityEvents ComplianceReport"`
	DateRange       DateRange       `json:"date_range"`
	PatientIDs      []uuid.UUID     `json:"patient_ids,omitempty"`
	PractitionerIDs []uuid.UUID     `json:"practitioner_ids,omitempty"`
	OutputFormat    OutputFormat    `json:"output_format" validate:"oneof=Json Xml Csv Pdf Html"`
}

func (*AuditReportJob) Kind() Kind { return KindAuditReport }

// NotificationJob sends a notification to a user
type NotificationJob struct {
	RecipientID      uuid.UUID           `json:"recipient_id" validate:"required"`
	NotificationType NotificationType    `json:"notification_type" validate:"oneof=Alert Reminder Update Warning Error"`
	Message          string              `json:"message" validate:"required"`
	Channel          NotificationChannel `json:"channel" validate:"oneof=Email Sms Push InApp"`
	Priority         Priority            `json:"priority" validate:"oneof=Low Normal High Critical"`
	ScheduledFor     *time.Time          `json:"scheduled_for,omitempty"`
}

func (*NotificationJob) Kind() Kind { return KindNotification }

// DataExportJob exports patient data
type DataExportJob struct {
	PatientIDs       []uuid.UUID `json:"patient_ids" validate:"min=1"`
	ExportFormat     DataFormat  `json:"export_format" validate:"oneof=Fhir Hl7 Csv Json Xml"`
	IncludeResources []string    `json:"include_resources"`
	OutputLocation   string      `json:"output_location" validate:"required"`
	EncryptionKey    *string     `json:"encryption_key,omitempty"`
}

func (*DataExportJob) Kind() Kind { return KindDataExport }

// DataImportJob imports patient data
type DataImportJob struct {
	SourceLocation  string           `json:"source_location" validate:"required"`
	ImportFormat    DataFormat       `json:"import_format" validate:"oneof=Fhir Hl7 Csv Json Xml"`
	MappingConfig   *string          `json:"mapping_config,omitempty"`
	ValidationRules []ValidationRule `json:"validation_rules" validate:"dive"`
	AutoMerge       bool             `json:"auto_merge"`
}

func (*DataImportJob) Kind() Kind { return KindDataImport }

// DataCleanupJob removes old records
type DataCleanupJob struct {
	CleanupType   CleanupType `json:"cleanup_type" validate:"oneof=Logs TempFiles OldRecords Duplicates Orphaned"`
	OlderThan     time.Time   `json:"older_than"`
	DryRun        bool        `json:"dry_run"`
	PreserveAudit bool        `json:"preserve_audit"`
}

func (*DataCleanupJob) Kind() Kind { return KindDataCleanup }

// AnalyticsJob generates an analytics report
type AnalyticsJob struct {
	AnalyticsType  AnalyticsType `json:"analytics_type" validate:"oneof=Usage Performance Quality Trends Predictions"`
	DateRange      DateRange     `json:"date_range"`
	Dimensions     []string      `json:"dimensions"`
	Metrics        []string      `json:"metrics"`
	OutputLocation string        `json:"output_location" validate:"required"`
}

func (*AnalyticsJob) Kind() Kind { return KindAnalytics }
