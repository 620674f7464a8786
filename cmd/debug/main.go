package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/thatsimonsguy/fluidics-controller/db"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var dbPath, command string
	flag.StringVar(&dbPath, "db", "data/fluidics.db", "Path to the SQLite database file")
	flag.StringVar(&command, "cmd", "", "Command to run: show-valves, show-pump, clear-inventory")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of fluidics-debug:")
		fmt.Println("  -db string\tPath to the SQLite database file (default 'data/fluidics.db')")
		fmt.Println("  -cmd string\tCommand to run: show-valves, show-pump, clear-inventory")
		fmt.Println("  -help\tShow this help message")
		os.Exit(0)
	}

	var err error
	switch command {
	case "show-valves":
		err = db.ShowValvesCLI(dbPath, os.Stdout)
	case "show-pump":
		err = db.ShowPumpCLI(dbPath, os.Stdout)
	case "clear-inventory":
		err = db.ClearInventoryCLI(dbPath)
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", command, err)
		os.Exit(1)
	}
	fmt.Printf("Command %s completed successfully\n", command)
}
