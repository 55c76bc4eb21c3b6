// Command waterplan serves the water allocation API, executes runs as a
// worker process and offers offline run and validate tools.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch command := os.Args[1]; command {
	case "serve":
		err = serveCommand(os.Args[2:])
	case "worker":
		err = workerCommand(os.Args[2:])
	case "run":
		err = runCommand(os.Args[2:], os.Stdout)
	case "validate":
		err = validateCommand(os.Args[2:], os.Stdout)
	case "help", "--help", "-h":
		printUsage()
	case "version", "--version", "-v":
		fmt.Printf("waterplan v%s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	usage := `waterplan - water allocation planner

Usage:
  waterplan <command> [options]

Available Commands:
  serve       Serve the run API (submit, poll, health, metrics)
  worker      Execute one submitted run (started by serve)
  run         Execute a run in this process and print its totals
  validate    Build a topology and report its structure
  help        Show this help message
  version     Show version information

Use "waterplan <command> --help" for more information about a command.
`
	fmt.Print(usage)
}
