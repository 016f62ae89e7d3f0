// Command logsentinel-rules validates and lists detection rule files.
package main

import (
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"logsentinel/internal/correlation"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}

	switch args[0] {
	case "validate":
		return runValidateCmd(args[1:], stdout, stderr)
	case "list":
		return runListCmd(args[1:], stdout, stderr)
	case "-version", "--version", "-v":
		fmt.Fprintf(stdout, "logsentinel-rules %s\n", version)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown subcommand: %s\n", args[0])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: logsentinel-rules <command> [flags] [paths]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  validate  Validate YAML rule files or directories\n")
	fmt.Fprintf(w, "  list      List rules found in files or directories\n\n")
	fmt.Fprintf(w, "Flags:\n")
	fmt.Fprintf(w, "  -version  Show version and exit\n")
}

func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	fset := flag.NewFlagSet("validate", flag.ContinueOnError)
	fset.SetOutput(stderr)
	verbose := fset.Bool("verbose", false, "Show every rule of each valid file")
	if err := fset.Parse(args); err != nil {
		return 2
	}

	paths := fset.Args()
	if len(paths) == 0 {
		fmt.Fprintf(stderr, "Error: at least one path is required\n")
		fmt.Fprintf(stderr, "Usage: logsentinel-rules validate [-verbose] <path> [<path>...]\n")
		return 2
	}
	return runValidate(paths, *verbose, stdout, stderr)
}

func runListCmd(args []string, stdout, stderr io.Writer) int {
	fset := flag.NewFlagSet("list", flag.ContinueOnError)
	fset.SetOutput(stderr)
	if err := fset.Parse(args); err != nil {
		return 2
	}

	paths := fset.Args()
	if len(paths) == 0 {
		paths = []string{"configs"}
	}
	return runList(paths, stdout, stderr)
}

func runValidate(paths []string, verbose bool, stdout, stderr io.Writer) int {
	var total, valid, invalid int

	for _, path := range paths {
		files, err := collectYAMLFiles(path)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %s: %v\n", path, err)
			invalid++
			continue
		}
		for _, f := range files {
			total++
			if validateFile(f, verbose, stdout) {
				valid++
			} else {
				invalid++
			}
		}
	}

	fmt.Fprintf(stdout, "\nResults: %d files checked, %d valid, %d invalid\n", total, valid, invalid)

	if invalid > 0 {
		return 1
	}
	return 0
}

func validateFile(path string, verbose bool, w io.Writer) bool {
	rules, err := correlation.LoadRuleSet(path)
	if err != nil {
		fmt.Fprintf(w, "  FAIL  %v\n", err)
		return false
	}

	fmt.Fprintf(w, "  OK    %s (%d rule(s))\n", path, rules.Len())
	if verbose {
		for _, line := range describe(rules) {
			fmt.Fprintf(w, "        - %s\n", line)
		}
	}
	return true
}

func runList(paths []string, stdout, stderr io.Writer) int {
	code := 0
	for _, path := range paths {
		files, err := collectYAMLFiles(path)
		if err != nil {
			fmt.Fprintf(stderr, "Error reading %s: %v\n", path, err)
			code = 1
			continue
		}

		for _, f := range files {
			rules, err := correlation.LoadRuleSet(f)
			if err != nil {
				fmt.Fprintf(stderr, "Skipping %v\n", err)
				continue
			}
			for _, r := range rules.Threshold {
				fmt.Fprintf(stdout, "%-28s  %-9s  %s > %d in %s\n",
					r.Name, correlation.RuleTypeThreshold, r.EventType, r.Threshold, r.Window)
			}
			for _, r := range rules.Sequence {
				fmt.Fprintf(stdout, "%-28s  %-9s  %s -> %s within %s\n",
					r.Name, correlation.RuleTypeSequence, r.FirstType, r.SecondType, r.MaxDelay)
			}
		}
	}
	return code
}

func describe(rules correlation.RuleSet) []string {
	var out []string
	for _, r := range rules.Threshold {
		out = append(out, fmt.Sprintf("[threshold] %s: more than %d %s from one source within %s",
			r.Name, r.Threshold, r.EventType, r.Window))
	}
	for _, r := range rules.Sequence {
		out = append(out, fmt.Sprintf("[sequence] %s: %s then %s from one source within %s",
			r.Name, r.FirstType, r.SecondType, r.MaxDelay))
	}
	return out
}

// collectYAMLFiles returns path itself when it is a file, or every .yaml
// and .yml file below it.
func collectYAMLFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}
