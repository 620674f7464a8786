package db

import (
	"fmt"
	"io"
)

func ShowValvesCLI(dbPath string, w io.Writer) error {
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	valves, err := GetValves(conn)
	if err != nil {
		return err
	}
	if len(valves) == 0 {
		fmt.Fprintln(w, "No valves recorded")
		return nil
	}
	for _, v := range valves {
		fmt.Fprintf(w, "%d\t%s\t%s\tports=%d\tcurrent=%d\tdetected=%s\n",
			v.Index, v.Address, v.Configuration, v.NumPorts, v.CurrentPort, v.DetectedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func ShowPumpCLI(dbPath string, w io.Writer) error {
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	state, ok, err := GetPumpState(conn)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(w, "No pump state recorded")
		return nil
	}
	fmt.Fprintf(w, "flow=%s\tspeed=%.2f\tdirection=%s\tupdated=%s\n",
		state.Flow, state.Speed, state.Direction, state.UpdatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func ClearInventoryCLI(dbPath string) error {
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	return ClearInventory(conn)
}
