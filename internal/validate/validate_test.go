package validate

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMetricsReportParsesValidPayload(t *testing.T) {
	v := New()
	body := `{
		"appName": " web ",
		"instanceId": "i1",
		"bucket": {"start": "2025-01-02T10:00:00Z", "stop": "2025-01-02T10:01:00Z"},
		"toggles": {"new-ui": {"yes": 5, "no": 1}, "dark-mode": {"yes": 0, "no": 0}}
	}`
	report, err := v.MetricsReport(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if report.AppName != "web" {
		t.Fatalf("expected app name trimmed, got %q", report.AppName)
	}
	if report.InstanceID != "i1" {
		t.Fatalf("unexpected instance id %q", report.InstanceID)
	}
	if got := report.Toggles["new-ui"]; got.Yes != 5 || got.No != 1 {
		t.Fatalf("unexpected new-ui counts %+v", got)
	}
	if _, ok := report.Toggles["dark-mode"]; !ok {
		t.Fatalf("expected zero-count toggle to be kept")
	}
	wantStart := time.Date(2025, time.January, 2, 10, 0, 0, 0, time.UTC)
	if !report.Bucket.Start.Equal(wantStart) {
		t.Fatalf("unexpected bucket start %v", report.Bucket.Start)
	}
}

func TestMetricsReportRejectsMissingFields(t *testing.T) {
	v := New()
	cases := map[string]struct {
		body  string
		field string
	}{
		"missing app name": {
			body:  `{"instanceId":"i1","bucket":{"start":"2025-01-02T10:00:00Z","stop":"2025-01-02T10:01:00Z"},"toggles":{}}`,
			field: "appName",
		},
		"blank instance id": {
			body:  `{"appName":"web","instanceId":"  ","bucket":{"start":"2025-01-02T10:00:00Z","stop":"2025-01-02T10:01:00Z"},"toggles":{}}`,
			field: "instanceId",
		},
		"missing bucket": {
			body:  `{"appName":"web","instanceId":"i1","toggles":{}}`,
			field: "bucket",
		},
		"missing bucket stop": {
			body:  `{"appName":"web","instanceId":"i1","bucket":{"start":"2025-01-02T10:00:00Z"},"toggles":{}}`,
			field: "bucket.stop",
		},
		"missing toggles": {
			body:  `{"appName":"web","instanceId":"i1","bucket":{"start":"2025-01-02T10:00:00Z","stop":"2025-01-02T10:01:00Z"}}`,
			field: "toggles",
		},
		"toggle without no": {
			body:  `{"appName":"web","instanceId":"i1","bucket":{"start":"2025-01-02T10:00:00Z","stop":"2025-01-02T10:01:00Z"},"toggles":{"a":{"yes":1}}}`,
			field: "toggles[a].no",
		},
		"stop before start": {
			body:  `{"appName":"web","instanceId":"i1","bucket":{"start":"2025-01-02T10:01:00Z","stop":"2025-01-02T10:00:00Z"},"toggles":{}}`,
			field: "bucket.stop",
		},
		"padded toggle name": {
			body:  `{"appName":"web","instanceId":"i1","bucket":{"start":"2025-01-02T10:00:00Z","stop":"2025-01-02T10:01:00Z"},"toggles":{"new-ui":{"yes":1,"no":0}," new-ui":{"yes":2,"no":0}}}`,
			field: "toggles[ new-ui]",
		},
		"blank toggle name": {
			body:  `{"appName":"web","instanceId":"i1","bucket":{"start":"2025-01-02T10:00:00Z","stop":"2025-01-02T10:01:00Z"},"toggles":{" ":{"yes":1,"no":0}}}`,
			field: "toggles",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.MetricsReport(strings.NewReader(tc.body))
			if err == nil {
				t.Fatal("expected validation error")
			}
			var vErr *Error
			if !errors.As(err, &vErr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			found := false
			for _, f := range vErr.Fields {
				if f.Field == tc.field {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected field %q in %+v", tc.field, vErr.Fields)
			}
		})
	}
}

func TestMetricsReportRejectsMalformedJSON(t *testing.T) {
	v := New()
	bodies := []string{
		``,
		`not json`,
		`{"appName":"web","instanceId":"i1","unknown":true}`,
		`{"appName":"web","instanceId":"i1","bucket":{"start":"2025-01-02T10:00:00Z","stop":"2025-01-02T10:01:00Z"},"toggles":{"a":{"yes":-1,"no":0}}}`,
		`{"appName":"web"} {"appName":"web"}`,
	}
	for _, body := range bodies {
		_, err := v.MetricsReport(strings.NewReader(body))
		if !IsValidationError(err) {
			t.Fatalf("expected validation error for %q, got %v", body, err)
		}
	}
}

func TestRegistrationReportParsesAndDedupes(t *testing.T) {
	v := New()
	body := `{
		"appName": "web",
		"instanceId": " i1 ",
		"strategies": ["default", " gradualRollout ", "default"],
		"started": "2025-01-02T10:00:00Z",
		"interval": 10000,
		"sdkVersion": "unleash-client-go:4.0.0"
	}`
	report, err := v.RegistrationReport(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if report.InstanceID != "i1" {
		t.Fatalf("expected trimmed instance id, got %q", report.InstanceID)
	}
	if len(report.Strategies) != 2 || report.Strategies[0] != "default" || report.Strategies[1] != "gradualRollout" {
		t.Fatalf("unexpected strategies %v", report.Strategies)
	}
	if report.IntervalMS != 10000 {
		t.Fatalf("unexpected interval %d", report.IntervalMS)
	}
	if report.Started.IsZero() {
		t.Fatal("expected started to be set")
	}
}

func TestRegistrationReportAllowsEmptyStrategyList(t *testing.T) {
	v := New()
	report, err := v.RegistrationReport(strings.NewReader(`{"appName":"web","instanceId":"i1","strategies":[]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if report.Strategies == nil || len(report.Strategies) != 0 {
		t.Fatalf("expected empty non-nil strategies, got %#v", report.Strategies)
	}
}

func TestRegistrationReportRejectsInvalid(t *testing.T) {
	v := New()
	bodies := []string{
		`{"appName":"web","instanceId":"i1"}`,
		`{"appName":"","instanceId":"i1","strategies":[]}`,
		`{"appName":"web","instanceId":"i1","strategies":[""]}`,
		`{"appName":"web","instanceId":"i1","strategies":[],"interval":-5}`,
	}
	for _, body := range bodies {
		if _, err := v.RegistrationReport(strings.NewReader(body)); !IsValidationError(err) {
			t.Fatalf("expected validation error for %s, got %v", body, err)
		}
	}
}
