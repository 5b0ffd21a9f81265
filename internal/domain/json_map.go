package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Locks maps a queue name to the unix second before which the account must not
// be leased for that queue.
type Locks map[string]int64

// Counters maps a queue name to a cumulative request count.
type Counters map[string]int64

// StringMap stores session headers and cookies.
type StringMap map[string]string

// Values are written as JSON text, never []byte: SQLite treats blobs handed to
// its json functions as binary JSONB.

func (m Locks) Value() (driver.Value, error)     { return marshalJSONMap(map[string]int64(m)) }
func (m Counters) Value() (driver.Value, error)  { return marshalJSONMap(map[string]int64(m)) }
func (m StringMap) Value() (driver.Value, error) { return marshalJSONMap(map[string]string(m)) }

func (m *Locks) Scan(value any) error {
	parsed := map[string]int64{}
	if err := scanJSONMap("domain.Locks", value, &parsed); err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m *Counters) Scan(value any) error {
	parsed := map[string]int64{}
	if err := scanJSONMap("domain.Counters", value, &parsed); err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m *StringMap) Scan(value any) error {
	parsed := map[string]string{}
	if err := scanJSONMap("domain.StringMap", value, &parsed); err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Total sums every queue counter.
func (m Counters) Total() int64 {
	var total int64
	for _, v := range m {
		total += v
	}
	return total
}

func marshalJSONMap[V any](m map[string]V) (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func scanJSONMap(name string, value any, dest any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("%s: unsupported type %T", name, value)
	}

	if len(data) == 0 {
		return nil
	}

	// Rows edited by hand may hold fractional numbers.
	if err := json.Unmarshal(data, dest); err != nil {
		if ints, ok := dest.(*map[string]int64); ok {
			var floats map[string]float64
			if ferr := json.Unmarshal(data, &floats); ferr == nil {
				for k, f := range floats {
					(*ints)[k] = int64(f)
				}
				return nil
			}
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
