package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleEnvelopes = map[Kind]string{
	KindFhirSync: `{
		"type": "FhirSync",
		"patient_id": "8d4a4c1e-0d1f-4a5e-9a57-7f3c9f1f2a10",
		"resource_type": "Patient",
		"source_url": "https://source.example.com/fhir",
		"target_url": "https://target.example.com/fhir",
		"sync_direction": "Pull"
	}`,
	KindDataValidation: `{
		"type": "DataValidation",
		"validation_type": "Schema",
		"rules": [{"name": "required_field", "description": "Name is required", "rule_type": "required", "expression": "name != null", "severity": "Error"}],
		"auto_fix": false
	}`,
	KindAuditReport: `{
		"type": "AuditReport",
		"report_type": "AccessLog",
		"date_range": {"start": "2024-01-01T00:00:00Z", "end": "2024-02-01T00:00:00Z"},
		"output_format": "Json"
	}`,
	KindNotification: `{
		"type": "Notification",
		"recipient_id": "0b9f0b3e-4d3c-4c0a-8f43-2a3f7a9c1d22",
		"notification_type": "Reminder",
		"message": "Your appointment is tomorrow",
		"channel": "Email",
		"priority": "Normal"
	}`,
	KindDataExport: `{
		"type": "DataExport",
		"patient_ids": ["8d4a4c1e-0d1f-4a5e-9a57-7f3c9f1f2a10"],
		"export_format": "Json",
		"include_resources": ["Observation"],
		"output_location": "/tmp/export.json"
	}`,
	KindDataImport: `{
		"type": "DataImport",
		"source_location": "/tmp/import.json",
		"import_format": "Fhir",
		"validation_rules": [],
		"auto_merge": true
	}`,
	KindDataCleanup: `{
		"type": "DataCleanup",
		"cleanup_type": "OldRecords",
		"older_than": "2024-01-01T00:00:00Z",
		"dry_run": true,
		"preserve_audit": true
	}`,
	KindAnalytics: `{
		"type": "Analytics",
		"analytics_type": "Usage",
		"date_range": {"start": "2024-01-01T00:00:00Z", "end": "2024-02-01T00:00:00Z"},
		"dimensions": ["job_type"],
		"metrics": ["total"],
		"output_location": "/tmp/analytics.json"
	}`,
}

func TestDecodeEnvelope_SelectsExactlyOneCase(t *testing.T) {
	require.Len(t, sampleEnvelopes, len(Kinds()))

	for _, kind := range Kinds() {
		t.Run(kind.String(), func(t *testing.T) {
			payload, err := DecodeEnvelope([]byte(sampleEnvelopes[kind]))
			require.NoError(t, err)
			assert.Equal(t, kind, payload.Kind())
		})
	}
}

func TestDecodeEnvelope_NotificationFields(t *testing.T) {
	payload, err := DecodeEnvelope([]byte(sampleEnvelopes[KindNotification]))
	require.NoError(t, err)

	job, ok := payload.(*NotificationJob)
	require.True(t, ok)
	assert.Equal(t, ChannelEmail, job.Channel)
	assert.Equal(t, PriorityNormal, job.Priority)
	assert.Equal(t, "Your appointment is tomorrow", job.Message)
	assert.Nil(t, job.ScheduledFor)
}

func TestDecodeEnvelope_Rejects(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		errString string
	}{
		{
			name:      "malformed json",
			body:      `{"type":`,
			errString: "malformed job envelope",
		},
		{
			name:      "missing discriminator",
			body:      `{"message": "hi"}`,
			errString: "missing the \"type\" field",
		},
		{
			name:      "unknown discriminator",
			body:      `{"type": "Billing"}`,
			errString: "unknown job type \"Billing\"",
		},
		{
			name:      "missing required field",
			body:      `{"type": "DataValidation", "validation_type": "Schema", "rules": []}`,
			errString: "missing required fields: auto_fix",
		},
		{
			name:      "field of another case",
			body:      `{"type": "DataCleanup", "cleanup_type": "Logs", "older_than": "2024-01-01T00:00:00Z", "dry_run": true, "preserve_audit": false, "channel": "Email"}`,
			errString: "unknown field",
		},
		{
			name:      "invalid enum value",
			body:      `{"type": "Notification", "recipient_id": "0b9f0b3e-4d3c-4c0a-8f43-2a3f7a9c1d22", "notification_type": "Alert", "message": "x", "channel": "Fax", "priority": "Low"}`,
			errString: "Channel failed oneof",
		},
		{
			name:      "nil recipient",
			body:      `{"type": "Notification", "recipient_id": "00000000-0000-0000-0000-000000000000", "notification_type": "Alert", "message": "x", "channel": "Sms", "priority": "Low"}`,
			errString: "RecipientID failed required",
		},
		{
			name:      "inverted date range",
			body:      `{"type": "AuditReport", "report_type": "AccessLog", "date_range": {"start": "2024-02-01T00:00:00Z", "end": "2024-01-01T00:00:00Z"}, "output_format": "Csv"}`,
			errString: "End failed gtefield=Start",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := DecodeEnvelope([]byte(tt.body))
			require.Error(t, err)
			assert.Nil(t, payload)
			assert.Contains(t, err.Error(), tt.errString)

			var jobErr *JobError
			require.True(t, errors.As(err, &jobErr))
			assert.Equal(t, ErrorKindSerialization, jobErr.Kind)
			assert.False(t, jobErr.IsRetryable())
		})
	}
}

func TestEncodeEnvelope(t *testing.T) {
	payload, err := DecodeEnvelope([]byte(sampleEnvelopes[KindDataExport]))
	require.NoError(t, err)

	body, err := EncodeEnvelope(payload)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(body, &fields))
	assert.Equal(t, "DataExport", fields["type"])
	assert.Equal(t, "/tmp/export.json", fields["output_location"])
	assert.NotContains(t, fields, "encryption_key")

	again, err := DecodeEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, payload, again)
}
