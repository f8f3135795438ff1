package registry

import (
	"fmt"
	"time"

	"github.com/spf13/cast"
)

// DateLayout is the serialized form of date fields.
const DateLayout = "2006-01-02"

// Convert normalizes a value to the Go type of the given kind:
// int64, float64, string, bool or a UTC midnight time.Time. Nil stays nil.
func Convert(kind Kind, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if p, ok := value.(*string); ok {
		if p == nil {
			return nil, nil
		}
		value = *p
	}
	switch kind {
	case KindInt:
		return cast.ToInt64E(value)
	case KindFloat:
		return cast.ToFloat64E(value)
	case KindString:
		return cast.ToStringE(value)
	case KindBool:
		return cast.ToBoolE(value)
	case KindDate:
		t, err := cast.ToTimeE(value)
		if err != nil {
			return nil, err
		}
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	default:
		return nil, fmt.Errorf("registry: unknown field kind %d", kind)
	}
}

// Encode serializes a field value for the audit log. Nil encodes as nil.
func (mt *ModelType) Encode(field string, value any) (*string, error) {
	if value == nil {
		return nil, nil
	}
	f, ok := mt.Field(field)
	if !ok {
		return nil, fmt.Errorf("registry: %s has no field %s", mt.Name, field)
	}
	normalized, err := Convert(f.Kind, value)
	if err != nil {
		return nil, fmt.Errorf("registry: encode %s.%s: %w", mt.Name, field, err)
	}
	var s string
	if f.Kind == KindDate {
		s = normalized.(time.Time).Format(DateLayout)
	} else {
		s, err = cast.ToStringE(normalized)
		if err != nil {
			return nil, err
		}
	}
	return &s, nil
}

// Decode converts a serialized audit value back to the field's Go type.
func (mt *ModelType) Decode(field string, raw *string) (any, error) {
	if raw == nil {
		return nil, nil
	}
	f, ok := mt.Field(field)
	if !ok {
		return nil, fmt.Errorf("registry: %s has no field %s", mt.Name, field)
	}
	if f.Kind == KindDate {
		t, err := time.Parse(DateLayout, *raw)
		if err != nil {
			return nil, fmt.Errorf("registry: decode %s.%s: %w", mt.Name, field, err)
		}
		return t, nil
	}
	v, err := Convert(f.Kind, *raw)
	if err != nil {
		return nil, fmt.Errorf("registry: decode %s.%s: %w", mt.Name, field, err)
	}
	return v, nil
}
