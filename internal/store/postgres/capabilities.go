package postgres

import (
	"context"
	"database/sql"
	"log"
)

// Capabilities records which optional tables the connected schema
// actually has. Probed once at startup; callers degrade per capability
// instead of failing mid-request on a missing relation.
type Capabilities struct {
	AuditEvents    bool
	LoyaltyPeriods bool
	OrderEvents    bool
}

func probeCapabilities(ctx context.Context, db *sql.DB) (Capabilities, error) {
	caps := Capabilities{}
	rows, err := db.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = current_schema()
			AND table_name IN ('audit_events', 'loyalty_periods', 'order_events')
	`)
	if err != nil {
		return caps, err
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return caps, err
		}
		switch name {
		case "audit_events":
			caps.AuditEvents = true
		case "loyalty_periods":
			caps.LoyaltyPeriods = true
		case "order_events":
			caps.OrderEvents = true
		}
	}
	if err := rows.Err(); err != nil {
		return caps, err
	}

	if !caps.AuditEvents {
		log.Printf("[postgres] WARN: audit_events table missing, audit writes disabled")
	}
	if !caps.LoyaltyPeriods {
		log.Printf("[postgres] WARN: loyalty_periods table missing, period accrual disabled")
	}

	return caps, nil
}
