package persistence

import (
	"database/sql"
	"time"
)

func toUnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func nullableInt64[T ~int | ~int32 | ~uint32](v *T) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBool(v *bool) any {
	if v == nil {
		return nil
	}
	return boolToInt(*v)
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	out := v.Float64
	return &out
}

func intPtr[T ~int | ~int32 | ~uint32](v sql.NullInt64) *T {
	if !v.Valid {
		return nil
	}
	out := T(v.Int64)
	return &out
}

func boolPtr(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	out := v.Int64 != 0
	return &out
}

type rowScanner interface {
	Scan(dest ...any) error
}
