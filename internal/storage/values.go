package storage

import (
	"fmt"
	"math/big"
	"time"

	"github.com/marcboeker/go-duckdb/v2"
)

// Helpers for reading the generic rows returned by Query. DuckDB hands back
// int32 for INTEGER, int64 for BIGINT, *big.Int for HUGEINT (SUM of integers)
// and duckdb.Decimal for DECIMAL results such as AVG over integers.

// AsInt64 converts a numeric column value. NULL converts to 0.
func AsInt64(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case *big.Int:
		if !n.IsInt64() {
			return 0, fmt.Errorf("value %s overflows int64", n.String())
		}
		return n.Int64(), nil
	case float64:
		return int64(n), nil
	case duckdb.Decimal:
		return int64(n.Float64()), nil
	default:
		return 0, fmt.Errorf("unexpected integer column type %T", v)
	}
}

// AsFloat64 converts a numeric column value. NULL converts to 0.
func AsFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case duckdb.Decimal:
		return n.Float64(), nil
	case *big.Int:
		f, _ := new(big.Float).SetInt(n).Float64()
		return f, nil
	default:
		i, err := AsInt64(v)
		if err != nil {
			return 0, fmt.Errorf("unexpected float column type %T", v)
		}
		return float64(i), nil
	}
}

// AsNullFloat64 is AsFloat64 that keeps NULL distinct from zero.
func AsNullFloat64(v any) (*float64, error) {
	if v == nil {
		return nil, nil
	}
	f, err := AsFloat64(v)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// AsTime converts a DATE or TIMESTAMP column value. Dates come back as UTC midnight.
func AsTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unexpected time column type %T", v)
	}
}

// AsString converts a VARCHAR column value. NULL converts to "".
func AsString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("unexpected string column type %T", v)
	}
}

// AsBool converts a BOOLEAN column value.
func AsBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected boolean column type %T", v)
	}
}
