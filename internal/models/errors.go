package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrDataset marks a missing or unusable reference dataset (gazetteer or
// site inventory). Services must refuse to start on it.
var ErrDataset = errors.New("reference dataset unavailable")

// ValidationError reports malformed caller input. It is never retried and
// maps onto a 4xx response.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// FlexFloat accepts a JSON number or a numeric string. Present records
// whether the field appeared with a non-null value; unparsable strings
// decode to NaN so the caller can report them.
type FlexFloat struct {
	Value   float64
	Present bool
}

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = FlexFloat{}
		return nil
	}
	f.Present = true
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
		if s == "" {
			f.Present = false
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			f.Value = math.NaN()
			return nil
		}
		f.Value = v
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		f.Value = math.NaN()
		return nil
	}
	f.Value = v
	return nil
}

func (f FlexFloat) MarshalJSON() ([]byte, error) {
	if !f.Present || math.IsNaN(f.Value) || math.IsInf(f.Value, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// Finite reports whether the value was supplied and is a usable number.
func (f FlexFloat) Finite() bool {
	return f.Present && !math.IsNaN(f.Value) && !math.IsInf(f.Value, 0)
}
