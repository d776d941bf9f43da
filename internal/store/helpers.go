package store

import (
	"database/sql"
	"fmt"
)

// scanAlarms reads (name, fire_at) rows and closes them.
func scanAlarms(rows *sql.Rows) ([]Alarm, error) {
	defer rows.Close()
	alarms := make([]Alarm, 0)
	for rows.Next() {
		var a Alarm
		if err := rows.Scan(&a.Name, &a.FireAt); err != nil {
			return nil, fmt.Errorf("scan alarm failed: %w", err)
		}
		alarms = append(alarms, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alarm rows: %w", err)
	}
	return alarms, nil
}
