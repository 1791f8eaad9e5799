package remote

import (
	"net/url"
	"strconv"
	"strings"
)

// Query builds the filter parameters of a table request.
//
//	remote.NewQuery().Eq("owner_id", uid).Order("updated_at", true).Limit(50)
type Query struct {
	values url.Values
}

// NewQuery returns an empty query.
func NewQuery() *Query {
	return &Query{values: url.Values{}}
}

// Eq filters rows where column equals value.
func (q *Query) Eq(column, value string) *Query {
	q.values.Add(column, "eq."+value)
	return q
}

// In filters rows where column is one of values.
func (q *Query) In(column string, values ...string) *Query {
	quoted := make([]string, len(values))
	for i, v := range values {
		if strings.ContainsAny(v, ",()\"") {
			v = strconv.Quote(v)
		}
		quoted[i] = v
	}
	q.values.Add(column, "in.("+strings.Join(quoted, ",")+")")
	return q
}

// Order sorts by column.
func (q *Query) Order(column string, desc bool) *Query {
	dir := "asc"
	if desc {
		dir = "desc"
	}
	q.values.Add("order", column+"."+dir)
	return q
}

// Limit caps the number of rows returned.
func (q *Query) Limit(n int) *Query {
	q.values.Set("limit", strconv.Itoa(n))
	return q
}

// Values returns the encoded parameters. A nil query has none.
func (q *Query) Values() url.Values {
	if q == nil {
		return url.Values{}
	}
	out := make(url.Values, len(q.values))
	for k, v := range q.values {
		out[k] = append([]string(nil), v...)
	}
	return out
}
