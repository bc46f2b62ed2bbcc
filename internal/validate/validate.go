// Package validate parses client telemetry payloads into typed reports.
//
// Every payload is decoded strictly (unknown fields are rejected), trimmed, and
// checked against struct tags with go-playground/validator plus a handful of
// semantic rules the tags cannot express.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/splax/togglemetrics/internal/domain"
)

// FieldError describes a single rejected field.
type FieldError struct {
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

// Error is returned for any payload that fails decoding or validation.
type Error struct {
	Message string       `json:"message"`
	Fields  []FieldError `json:"errors,omitempty"`
	Err     error        `json:"-"`
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Detail)
	}
	return e.Message + ": " + strings.Join(parts, "; ")
}

func (e *Error) Unwrap() error { return e.Err }

// IsValidationError reports whether err is (or wraps) a validation failure.
func IsValidationError(err error) bool {
	var vErr *Error
	return errors.As(err, &vErr)
}

// Validator decodes and validates metrics and registration payloads.
type Validator struct {
	v *validator.Validate
}

// New builds a Validator. A single instance should be shared because the
// underlying validator caches struct parsing.
func New() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{v: v}
}

type togglePayload struct {
	Yes *uint64 `json:"yes" validate:"required"`
	No  *uint64 `json:"no" validate:"required"`
}

type bucketPayload struct {
	Start *time.Time `json:"start" validate:"required"`
	Stop  *time.Time `json:"stop" validate:"required"`
}

type metricsPayload struct {
	AppName    string                   `json:"appName" validate:"required,max=255"`
	InstanceID string                   `json:"instanceId" validate:"required,max=255"`
	Bucket     *bucketPayload           `json:"bucket" validate:"required"`
	Toggles    map[string]togglePayload `json:"toggles" validate:"required,dive"`
}

type registrationPayload struct {
	AppName    string     `json:"appName" validate:"required,max=255"`
	InstanceID string     `json:"instanceId" validate:"required,max=255"`
	Strategies []string   `json:"strategies" validate:"required,dive,required,max=255"`
	Started    *time.Time `json:"started"`
	Interval   *int64     `json:"interval" validate:"omitempty,gte=0"`
	SDKVersion string     `json:"sdkVersion" validate:"max=255"`
}

// MetricsReport parses a metrics payload.
func (v *Validator) MetricsReport(body io.Reader) (domain.MetricsReport, error) {
	var payload metricsPayload
	if err := decodeStrict(body, &payload); err != nil {
		return domain.MetricsReport{}, err
	}
	payload.AppName = strings.TrimSpace(payload.AppName)
	payload.InstanceID = strings.TrimSpace(payload.InstanceID)

	fields := v.structErrors(payload)
	if payload.Bucket != nil && payload.Bucket.Start != nil && payload.Bucket.Stop != nil {
		if payload.Bucket.Stop.Before(*payload.Bucket.Start) {
			fields = append(fields, FieldError{Field: "bucket.stop", Detail: "must not be before bucket.start"})
		}
	}
	toggles := make(map[string]domain.ToggleCount, len(payload.Toggles))
	for name, count := range payload.Toggles {
		switch trimmed := strings.TrimSpace(name); {
		case trimmed == "":
			fields = append(fields, FieldError{Field: "toggles", Detail: "toggle names must not be empty"})
			continue
		case trimmed != name:
			fields = append(fields, FieldError{Field: "toggles[" + name + "]", Detail: "toggle names must not have leading or trailing whitespace"})
			continue
		}
		if count.Yes == nil || count.No == nil {
			continue
		}
		toggles[name] = domain.ToggleCount{Yes: *count.Yes, No: *count.No}
	}
	if len(fields) > 0 {
		return domain.MetricsReport{}, invalid(fields)
	}
	return domain.MetricsReport{
		AppName:    payload.AppName,
		InstanceID: payload.InstanceID,
		Bucket: domain.Bucket{
			Start: payload.Bucket.Start.UTC(),
			Stop:  payload.Bucket.Stop.UTC(),
		},
		Toggles: toggles,
	}, nil
}

// RegistrationReport parses a client registration payload.
func (v *Validator) RegistrationReport(body io.Reader) (domain.RegistrationReport, error) {
	var payload registrationPayload
	if err := decodeStrict(body, &payload); err != nil {
		return domain.RegistrationReport{}, err
	}
	payload.AppName = strings.TrimSpace(payload.AppName)
	payload.InstanceID = strings.TrimSpace(payload.InstanceID)
	payload.SDKVersion = strings.TrimSpace(payload.SDKVersion)
	for i, s := range payload.Strategies {
		payload.Strategies[i] = strings.TrimSpace(s)
	}

	if fields := v.structErrors(payload); len(fields) > 0 {
		return domain.RegistrationReport{}, invalid(fields)
	}
	report := domain.RegistrationReport{
		AppName:    payload.AppName,
		InstanceID: payload.InstanceID,
		Strategies: dedupe(payload.Strategies),
		SDKVersion: payload.SDKVersion,
	}
	if payload.Started != nil {
		report.Started = payload.Started.UTC()
	}
	if payload.Interval != nil {
		report.IntervalMS = *payload.Interval
	}
	return report, nil
}

func (v *Validator) structErrors(payload any) []FieldError {
	err := v.v.Struct(payload)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return []FieldError{{Field: "", Detail: err.Error()}}
	}
	fields := make([]FieldError, 0, len(validationErrors))
	for _, fe := range validationErrors {
		fields = append(fields, FieldError{
			Field:  fieldPath(fe.Namespace()),
			Detail: fmt.Sprintf("validation failed for tag %q", fe.Tag()),
		})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return fields
}

func decodeStrict(body io.Reader, dst any) error {
	if body == nil {
		return &Error{Message: "request body required"}
	}
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &Error{Message: "request body required", Err: err}
		}
		return &Error{Message: fmt.Sprintf("invalid JSON body: %s", err.Error()), Err: err}
	}
	if dec.More() {
		return &Error{Message: "invalid JSON body: trailing data"}
	}
	return nil
}

func invalid(fields []FieldError) error {
	return &Error{Message: "validation failed", Fields: fields}
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(namespace string) string {
	if idx := strings.IndexByte(namespace, '.'); idx >= 0 {
		return namespace[idx+1:]
	}
	return namespace
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
