package store

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanCustomerRequests reads every row of a customer_requests query.
func scanCustomerRequests(rows *sql.Rows) ([]models.CustomerRequest, error) {
	var out []models.CustomerRequest
	for rows.Next() {
		var r models.CustomerRequest
		var kind string
		var name, details, requested, reason sql.NullString
		if err := rows.Scan(&r.CallID, &kind, &r.PhoneNumber, &name, &details, &requested, &reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan customer request failed: %w", err)
		}
		r.Kind = models.RequestKind(kind)
		r.CustomerName = name.String
		r.Details = details.String
		r.RequestedTime = requested.String
		r.Reason = reason.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate customer requests: %w", err)
	}
	return out, nil
}
