package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DiscriminatorField is the envelope field naming the job kind
const DiscriminatorField = "type"

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeEnvelope selects the payload case named by the "type" field and decodes
// the remaining fields into it. Every failure is a SerializationError.
func DecodeEnvelope(data []byte) (Payload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, NewSerializationError(fmt.Sprintf("malformed job envelope: %v", err))
	}

	rawKind, ok := fields[DiscriminatorField]
	if !ok {
		return nil, NewSerializationError("job envelope is missing the \"type\" field")
	}

	var kind Kind
	if err := json.Unmarshal(rawKind, &kind); err != nil {
		return nil, NewSerializationError(fmt.Sprintf("job envelope \"type\" must be a string: %v", err))
	}

	payload := kind.newPayload()
	if payload == nil {
		return nil, NewSerializationError(fmt.Sprintf("unknown job type %q", kind))
	}

	delete(fields, DiscriminatorField)

	if missing := missingFields(payload, fields); len(missing) > 0 {
		return nil, NewSerializationError(fmt.Sprintf("%s job is missing required fields: %s", kind, strings.Join(missing, ", ")))
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, NewSerializationError(fmt.Sprintf("failed to re-encode %s job: %v", kind, err))
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(payload); err != nil {
		return nil, NewSerializationError(fmt.Sprintf("invalid %s job: %v", kind, err))
	}

	if err := validate.Struct(payload); err != nil {
		return nil, NewSerializationError(fmt.Sprintf("invalid %s job: %s", kind, describeValidation(err)))
	}

	return payload, nil
}

// EncodeEnvelope writes the payload fields together with its discriminator
func EncodeEnvelope(payload Payload) ([]byte, error) {
	if payload == nil {
		return nil, NewSerializationError("cannot encode a nil job payload")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewSerializationError(fmt.Sprintf("failed to encode %s job: %v", payload.Kind(), err))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, NewSerializationError(fmt.Sprintf("failed to encode %s job: %v", payload.Kind(), err))
	}

	kind, err := json.Marshal(payload.Kind())
	if err != nil {
		return nil, NewSerializationError(fmt.Sprintf("failed to encode job type: %v", err))
	}
	fields[DiscriminatorField] = kind

	return json.Marshal(fields)
}

// missingFields lists the json names of non-optional fields absent from the envelope.
// Fields tagged omitempty are optional.
func missingFields(payload Payload, fields map[string]json.RawMessage) []string {
	t := reflect.TypeOf(payload).Elem()

	var missing []string
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if strings.Contains(opts, "omitempty") {
			continue
		}
		if _, ok := fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
