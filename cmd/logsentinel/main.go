// Command logsentinel detects brute-force bursts and correlated attack
// sequences in security logs.
package main

import (
	"fmt"
	"io"
	"os"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}

	switch args[0] {
	case "scan":
		return runScan(args[1:], stdout, stderr)
	case "serve":
		return runServe(args[1:], stderr)
	case "version", "-version", "--version", "-v":
		fmt.Fprintf(stdout, "logsentinel %s\n", version)
		return 0
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: logsentinel <command> [flags]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  scan     Run detection over a log file\n")
	fmt.Fprintf(w, "  serve    Ingest logs from the network and detect continuously\n")
	fmt.Fprintf(w, "  version  Show version and exit\n")
}
