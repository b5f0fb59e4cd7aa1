package util

import (
	"bytes"
	"database/sql"
	"database/sql/driver"

	"github.com/goccy/go-json"
)

// Optional is a value that may be absent: a nullable column, an omitted JSON
// field or a reading that has not arrived yet. It encodes as JSON null and SQL
// NULL when unset.
type Optional[T any] struct {
	Val   T
	IsSet bool
}

func Some[T any](v T) Optional[T] {
	return Optional[T]{Val: v, IsSet: true}
}

func None[T any]() Optional[T] {
	return Optional[T]{}
}

// FromPtr maps nil to None. Request bodies decode optional numbers to pointers.
func FromPtr[T any](p *T) Optional[T] {
	if p == nil {
		return None[T]()
	}
	return Some(*p)
}

func (o Optional[T]) Ptr() *T {
	if !o.IsSet {
		return nil
	}
	v := o.Val
	return &v
}

// Or returns the value, or fallback when unset.
func (o Optional[T]) Or(fallback T) T {
	if !o.IsSet {
		return fallback
	}
	return o.Val
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.IsSet {
		return []byte("null"), nil
	}
	return json.Marshal(o.Val)
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = None[T]()
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

// Scan fills the value from a nullable column using database/sql conversion
// rules.
func (o *Optional[T]) Scan(value any) error {
	var n sql.Null[T]
	if err := n.Scan(value); err != nil {
		return err
	}
	*o = Optional[T]{Val: n.V, IsSet: n.Valid}
	return nil
}

func (o Optional[T]) Value() (driver.Value, error) {
	return sql.Null[T]{V: o.Val, Valid: o.IsSet}.Value()
}
