package domain

import (
	"errors"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is safe for concurrent use and caches struct metadata, so one
// instance serves every fetch task.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report field names as they appear in the stored documents.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRecord runs struct-tag validation and converts the first failure into
// a Rejection. It returns nil for a valid record.
func validateRecord(kind Kind, key string, record any) *Rejection {
	err := validate.Struct(record)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return reject(kind, key, "", ReasonSchemaMismatch)
	}

	fe := verrs[0]
	reason := ReasonInvalidValue
	if fe.Tag() == "required" || (fe.Tag() == "min" && fe.Kind() == reflect.Slice) {
		reason = ReasonMissingField
	}
	return reject(kind, key, fieldPath(fe.Namespace()), reason)
}

// fieldPath drops the leading struct type name: "Station.coordinates.lat" -> "coordinates.lat".
func fieldPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

// ClearedField is an optional value dropped from an otherwise valid record
// because it failed its range check.
type ClearedField struct {
	Kind  Kind
	Key   string
	Field string
}

func (c ClearedField) String() string {
	return string(c.Kind) + " " + c.Key + ": " + c.Field
}

// clearInvalidOptional nils every optional pointer field of record that fails
// validation and reports what was cleared. record must be a pointer to a
// struct. Required fields are left for validateRecord to reject.
func clearInvalidOptional(kind Kind, key string, record any) []ClearedField {
	var verrs validator.ValidationErrors
	if !errors.As(validate.Struct(record), &verrs) {
		return nil
	}

	root := reflect.ValueOf(record).Elem()
	var cleared []ClearedField
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			continue
		}
		if clearField(root, fe.StructNamespace()) {
			cleared = append(cleared, ClearedField{Kind: kind, Key: key, Field: fieldPath(fe.Namespace())})
		}
	}
	return cleared
}

// clearField zeroes the pointer field addressed by a validator struct
// namespace such as "Forecast.Periods[2].PopPct".
func clearField(v reflect.Value, namespace string) bool {
	parts := strings.Split(namespace, ".")[1:]
	for i, part := range parts {
		name, idx := part, -1
		if j := strings.IndexByte(part, '['); j >= 0 {
			n, err := strconv.Atoi(strings.TrimSuffix(part[j+1:], "]"))
			if err != nil {
				return false
			}
			name, idx = part[:j], n
		}

		f := v.FieldByName(name)
		if !f.IsValid() {
			return false
		}
		if idx >= 0 {
			if f.Kind() != reflect.Slice || idx >= f.Len() {
				return false
			}
			f = f.Index(idx)
		}
		if i == len(parts)-1 {
			if f.Kind() != reflect.Pointer || !f.CanSet() {
				return false
			}
			f.Set(reflect.Zero(f.Type()))
			return true
		}
		if f.Kind() == reflect.Pointer {
			if f.IsNil() {
				return false
			}
			f = f.Elem()
		}
		if f.Kind() != reflect.Struct {
			return false
		}
		v = f
	}
	return false
}
