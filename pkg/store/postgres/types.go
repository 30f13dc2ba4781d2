package postgres

import (
	"fmt"

	"github.com/jackc/pgtype"
	"github.com/opst/houseprice/pkg/tabular"
)

// typeOf maps a type OID of postgres into a column type.
func typeOf(oid uint32) tabular.Type {
	switch oid {
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID:
		return tabular.Bigint
	case pgtype.Float4OID, pgtype.Float8OID, pgtype.NumericOID:
		return tabular.Double
	case pgtype.BoolOID:
		return tabular.Boolean
	default:
		return tabular.Text
	}
}

// normalize a value decoded by pgx into int64, float64, bool, string or nil.
func normalize(t tabular.Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch t {
	case tabular.Bigint:
		switch n := v.(type) {
		case int16:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		}
	case tabular.Double:
		switch n := v.(type) {
		case float32:
			return float64(n), nil
		case float64:
			return n, nil
		case pgtype.Numeric:
			return numeric(&n)
		case *pgtype.Numeric:
			return numeric(n)
		}
	case tabular.Boolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	default:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	}
	return nil, fmt.Errorf("unexpected value for %s: %#v", t, v)
}

func numeric(n *pgtype.Numeric) (any, error) {
	if n.Status != pgtype.Present {
		return nil, nil
	}
	var f float64
	if err := n.AssignTo(&f); err != nil {
		return nil, err
	}
	return f, nil
}
