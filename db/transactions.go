package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/fluidics-controller/internal/model"
)

// StartTransaction starts a new database transaction.
func StartTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

// ReplaceValveInventory swaps the stored valves for a fresh detection result.
func ReplaceValveInventory(db *sql.DB, valves []model.Valve) error {
	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	if err := ReplaceValveInventoryWithTx(tx, valves, time.Now()); err != nil {
		RollbackTransaction(tx)
		return err
	}
	return CommitTransaction(tx)
}

func ReplaceValveInventoryWithTx(tx *sql.Tx, valves []model.Valve, now time.Time) error {
	if _, err := tx.Exec(`DELETE FROM valves`); err != nil {
		return fmt.Errorf("clear valves: %w", err)
	}
	for _, v := range valves {
		_, err := tx.Exec(`INSERT INTO valves (idx, address, configuration, num_ports, current_port, detected_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.Index, v.Address, string(v.Configuration), v.NumPorts, v.CurrentPort,
			v.DetectedAt.Format(time.RFC3339), now.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("insert valve %s: %w", v.Address, err)
		}
	}
	return nil
}

func UpdateValvePort(db *sql.DB, idx, port int) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	res, err := tx.Exec(`UPDATE valves SET current_port = ?, updated_at = ? WHERE idx = ?`, port, time.Now().Format(time.RFC3339), idx)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update valve port: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return fmt.Errorf("update valve port: no valve with index %d", idx)
	}
	return tx.Commit()
}

func SavePumpState(db *sql.DB, state model.PumpState) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err = tx.Exec(`INSERT OR REPLACE INTO pump (id, flow, speed, direction, updated_at) VALUES (1, ?, ?, ?, ?)`,
		string(state.Flow), state.Speed, string(state.Direction), updatedAt.Format(time.RFC3339))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("save pump state: %w", err)
	}
	return tx.Commit()
}

func ClearInventory(db *sql.DB) error {
	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	for _, stmt := range []string{`DELETE FROM valves`, `DELETE FROM pump`} {
		if _, err := tx.Exec(stmt); err != nil {
			RollbackTransaction(tx)
			return fmt.Errorf("clear inventory: %w", err)
		}
	}
	return CommitTransaction(tx)
}
