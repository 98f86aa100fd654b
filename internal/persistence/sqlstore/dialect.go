package sqlstore

import (
	"database/sql"
	"strconv"
	"strings"
)

// Dialect captures the differences between the SQL engines behind Store.
type Dialect struct {
	// Name identifies the engine in errors and logs.
	Name string

	// NumberedParams switches placeholders from ? to $1, $2, ...
	NumberedParams bool

	// UpdateOptions and ViewOptions are passed to BeginTx. Nil uses the driver default.
	UpdateOptions *sql.TxOptions
	ViewOptions   *sql.TxOptions

	// MapError translates driver errors into store errors. Nil leaves them as is.
	MapError func(error) error
}

// Rebind rewrites ? placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.NumberedParams {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) mapError(err error) error {
	if err == nil || d.MapError == nil {
		return err
	}
	return d.MapError(err)
}
