package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError reports schema violations at an input boundary.
// It is never retried; the sender's envelope is malformed.
type ValidationError struct {
	Subject string
	Fields  []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("invalid %s envelope", e.Subject)
	}
	return fmt.Sprintf("invalid %s envelope: %s", e.Subject, strings.Join(e.Fields, "; "))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeTask parses and validates a task envelope. Unknown fields and
// unknown major envelope versions are rejected.
func DecodeTask(data []byte) (*Task, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var t Task
	if err := dec.Decode(&t); err != nil {
		return nil, &ValidationError{Subject: "task", Fields: []string{err.Error()}}
	}
	if err := ValidateTask(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ValidateTask checks an already-decoded task envelope
func ValidateTask(t *Task) error {
	var fields []string

	if err := validate.Struct(t); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, ve := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %q", ve.Namespace(), ve.Tag()))
			}
		} else {
			fields = append(fields, err.Error())
		}
	}

	if t.Trace.TraceID == "" || t.Trace.SpanID == "" {
		fields = append(fields, "trace requires trace_id and span_id")
	}
	if err := checkMajorVersion(t.Metadata.EnvelopeVersion); err != nil {
		fields = append(fields, err.Error())
	}

	if len(fields) > 0 {
		return &ValidationError{Subject: "task", Fields: fields}
	}
	return nil
}

// DecodeResult parses and validates a result envelope
func DecodeResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &ValidationError{Subject: "result", Fields: []string{err.Error()}}
	}
	if err := ValidateResult(&r); err != nil {
		return nil, err
	}
	r.Normalize()
	return &r, nil
}

// ValidateResult checks an already-decoded result envelope
func ValidateResult(r *Result) error {
	var fields []string

	if err := validate.Struct(r); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, ve := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %q", ve.Namespace(), ve.Tag()))
			}
		} else {
			fields = append(fields, err.Error())
		}
	}

	if err := checkMajorVersion(r.Version); err != nil {
		fields = append(fields, err.Error())
	}

	if len(fields) > 0 {
		return &ValidationError{Subject: "result", Fields: fields}
	}
	return nil
}

// checkMajorVersion accepts any version sharing the current major
func checkMajorVersion(version string) error {
	if version == "" {
		return fmt.Errorf("missing envelope version")
	}
	major := func(v string) string {
		if i := strings.IndexByte(v, '.'); i > 0 {
			return v[:i]
		}
		return v
	}
	got, want := major(version), major(EnvelopeVersion)
	if _, err := strconv.Atoi(got); err != nil {
		return fmt.Errorf("malformed envelope version %q", version)
	}
	if got != want {
		return fmt.Errorf("unsupported envelope major version %q (want %s.x)", version, want)
	}
	return nil
}
