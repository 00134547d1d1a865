// Package search builds SQL queries over the audit event log from
// structured filters, including a small jq-style expression language for
// matching inside event data.
package search

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Filter contains all available event search fields.
type Filter struct {
	Types        []string   `json:"types,omitempty"`
	OpID         string     `json:"op_id,omitempty"`
	EntityType   string     `json:"entity_type,omitempty"`
	EntityID     string     `json:"entity_id,omitempty"`
	DataContains string     `json:"data_contains,omitempty"`
	DataJQ       string     `json:"data_jq,omitempty"`
	After        *time.Time `json:"after,omitempty"`
	Before       *time.Time `json:"before,omitempty"`
	Order        string     `json:"order,omitempty"`
	Cursor       string     `json:"cursor,omitempty"`
	Limit        int        `json:"limit,omitempty"`
}

// BuildQuery constructs the SELECT and COUNT queries for the filter.
func BuildQuery(f Filter) (query string, countQuery string, args []any, countArgs []any, err error) {
	var conditions []string
	var queryArgs []any

	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, typ := range f.Types {
			placeholders[i] = "?"
			queryArgs = append(queryArgs, typ)
		}
		conditions = append(conditions, fmt.Sprintf("e.type IN (%s)", strings.Join(placeholders, ", ")))
	}

	if f.OpID != "" {
		conditions = append(conditions, "e.op_id = ?")
		queryArgs = append(queryArgs, f.OpID)
	}
	if f.EntityType != "" {
		conditions = append(conditions, "e.entity_type = ?")
		queryArgs = append(queryArgs, f.EntityType)
	}
	if f.EntityID != "" {
		conditions = append(conditions, "e.entity_id = ?")
		queryArgs = append(queryArgs, f.EntityID)
	}

	if f.DataContains != "" {
		conditions = append(conditions, "e.data LIKE '%' || ? || '%'")
		queryArgs = append(queryArgs, f.DataContains)
	}
	if strings.TrimSpace(f.DataJQ) != "" {
		clause, jqArgs, err := translateDataJQ(strings.TrimSpace(f.DataJQ))
		if err != nil {
			return "", "", nil, nil, err
		}
		conditions = append(conditions, clause)
		queryArgs = append(queryArgs, jqArgs...)
	}

	if f.After != nil {
		conditions = append(conditions, "e.created_at > ?")
		queryArgs = append(queryArgs, f.After.UTC().Format("2006-01-02T15:04:05.000"))
	}
	if f.Before != nil {
		conditions = append(conditions, "e.created_at < ?")
		queryArgs = append(queryArgs, f.Before.UTC().Format("2006-01-02T15:04:05.000"))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	order := "DESC"
	if f.Order == "asc" {
		order = "ASC"
	}

	limit := 50
	if f.Limit > 0 && f.Limit <= 1000 {
		limit = f.Limit
	}

	offset := 0
	if f.Cursor != "" {
		offset = DecodeCursor(f.Cursor)
	}

	countQuery = fmt.Sprintf("SELECT COUNT(*) FROM events e %s", where)
	countArgs = make([]any, len(queryArgs))
	copy(countArgs, queryArgs)

	query = fmt.Sprintf(`
		SELECT e.id, e.type, COALESCE(e.op_id, ''), COALESCE(e.entity_type, ''), COALESCE(e.entity_id, ''), COALESCE(e.data, ''), e.created_at
		FROM events e
		%s
		ORDER BY e.id %s
		LIMIT ? OFFSET ?
	`, where, order)

	queryArgs = append(queryArgs, limit, offset)
	args = queryArgs

	return query, countQuery, args, countArgs, nil
}

// EncodeCursor encodes an offset as a base64 cursor.
func EncodeCursor(offset int) string {
	data, _ := json.Marshal(map[string]int{"offset": offset})
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeCursor decodes a base64 cursor to an offset.
func DecodeCursor(cursor string) int {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0
	}
	var m map[string]int
	if err := json.Unmarshal(data, &m); err != nil {
		return 0
	}
	return m["offset"]
}
