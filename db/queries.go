package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/thatsimonsguy/fluidics-controller/internal/model"
)

// GetValves returns the stored valve inventory ordered by chain index.
func GetValves(db *sql.DB) ([]model.Valve, error) {
	rows, err := db.Query(`SELECT idx, address, configuration, num_ports, current_port, detected_at FROM valves ORDER BY idx`)
	if err != nil {
		return nil, fmt.Errorf("failed to query valves: %w", err)
	}
	defer rows.Close()

	var valves []model.Valve
	for rows.Next() {
		var v model.Valve
		var configuration, detectedAt string
		err = rows.Scan(&v.Index, &v.Address, &configuration, &v.NumPorts, &v.CurrentPort, &detectedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan valve: %w", err)
		}
		v.Configuration = model.PortConfig(configuration)
		v.DetectedAt, _ = time.Parse(time.RFC3339, detectedAt)
		valves = append(valves, v)
	}
	return valves, rows.Err()
}

// GetPumpState returns the stored pump mirror. ok is false when no state has
// been saved yet.
func GetPumpState(db *sql.DB) (state model.PumpState, ok bool, err error) {
	var flow, direction, updatedAt string
	err = db.QueryRow(`SELECT flow, speed, direction, updated_at FROM pump WHERE id = 1`).
		Scan(&flow, &state.Speed, &direction, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PumpState{}, false, nil
	}
	if err != nil {
		return model.PumpState{}, false, fmt.Errorf("failed to get pump state: %w", err)
	}
	state.Flow = model.FlowStatus(flow)
	state.Direction = model.Direction(direction)
	state.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return state, true, nil
}
