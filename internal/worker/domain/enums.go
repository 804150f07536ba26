package domain

// SyncDirection selects which way a FHIR sync moves data
type SyncDirection string

const (
	SyncDirectionPull          SyncDirection = "Pull"
	SyncDirectionPush          SyncDirection = "Push"
	SyncDirectionBidirectional SyncDirection = "Bidirectional"
)

// ValidationType is the family of checks a validation job performs
type ValidationType string

const (
	ValidationTypeSchema        ValidationType = "Schema"
	ValidationTypeBusinessRules ValidationType = "BusinessRules"
	ValidationTypeCompleteness  ValidationType = "Completeness"
	ValidationTypeConsistency   ValidationType = "Consistency"
	ValidationTypeAccuracy      ValidationType = "Accuracy"
)

// ValidationSeverity grades a single validation finding
type ValidationSeverity string

const (
	SeverityInfo     ValidationSeverity = "Info"
	SeverityWarning  ValidationSeverity = "Warning"
	SeverityError    ValidationSeverity = "Error"
	SeverityCritical ValidationSeverity = "Critical"
)

// IsError reports whether the severity counts as an error finding
func (s ValidationSeverity) IsError() bool {
	return s == SeverityError || s == SeverityCritical
}

type AuditReportType string

const (
	AuditReportAccessLog        AuditReportType = "AccessLog"
	AuditReportDataChanges      AuditReportType = "DataChanges"
	AuditReportUserActivity     AuditReportType = "UserActivity"
	AuditReportSecurityEvents   AuditReportType = "SecurityEvents"
	AuditReportComplianceReport AuditReportType = "ComplianceReport"
)

type OutputFormat string

const (
	OutputFormatJSON OutputFormat = "Json"
	OutputFormatXML  OutputFormat = "Xml"
	OutputFormatCSV  OutputFormat = "Csv"
	OutputFormatPDF  OutputFormat = "Pdf"
	OutputFormatHTML OutputFormat = "Html"
)

type NotificationType string

const (
	NotificationAlert    NotificationType = "Alert"
	NotificationReminder NotificationType = "Reminder"
	NotificationUpdate   NotificationType = "Update"
	NotificationWarning  NotificationType = "Warning"
	NotificationError    NotificationType = "Error"
)

// NotificationChannel is the delivery route of a notification
type NotificationChannel string

const (
	ChannelEmail NotificationChannel = "Email"
	ChannelSms   NotificationChannel = "Sms"
	ChannelPush  NotificationChannel = "Push"
	ChannelInApp NotificationChannel = "InApp"
)

type Priority string

const (
	PriorityLow      Priority = "Low"
	PriorityNormal   Priority = "Normal"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
)

// DataFormat is shared by exports and imports
type DataFormat string

const (
	DataFormatFHIR DataFormat = "Fhir"
	DataFormatHL7  DataFormat = "Hl7"
	DataFormatCSV  DataFormat = "Csv"
	DataFormatJSON DataFormat = "Json"
	DataFormatXML  DataFormat = "Xml"
)

type CleanupType string

const (
	CleanupLogs       CleanupType = "Logs"
	CleanupTempFiles  CleanupType = "TempFiles"
	CleanupOldRecords CleanupType = "OldRecords"
	CleanupDuplicates CleanupType = "Duplicates"
	CleanupOrphaned   CleanupType = "Orphaned"
)

type AnalyticsType string

const (
	AnalyticsUsage       AnalyticsType = "Usage"
	AnalyticsPerformance AnalyticsType = "Performance"
	AnalyticsQuality     AnalyticsType = "Quality"
	AnalyticsTrends      AnalyticsType = "Trends"
	AnalyticsPredictions AnalyticsType = "Predictions"
)
