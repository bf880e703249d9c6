package config

import (
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// durationType lets setFromString distinguish a plain integer field from a
// time.Duration one, since both report reflect.Int64.
var durationType = reflect.TypeOf(time.Duration(0))

// setFromString converts raw into field's underlying kind and assigns it.
// It is shared by applyDefaults and applyEnvs so a default-tag value and an
// environment variable value are parsed identically.
func setFromString(field configField, raw string) error {
	switch field.Kind {
	case reflect.String:
		field.Value.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetBool(b)
	case reflect.Int, reflect.Int64:
		if field.StructField.Type == durationType {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("cannot set %s: %w", field.Path, err)
			}
			field.Value.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetInt(i)
	default:
		return fmt.Errorf("cannot set %s: unimplemented kind %s", field.Path, field.Kind)
	}
	return nil
}
