// pdsno is the controller daemon: one process per controller, its role and
// region taken from the environment. Subcommands cover joining the
// hierarchy, exporting audit evidence, and generating shared secrets.
package main

import (
	"fmt"
	"io"
	"os"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches to a subcommand; no arguments means serve.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServer(stderr)
	case "admit":
		return runAdmit(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "pdsno %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: pdsno <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve     Run the controller daemon (default)")
	fmt.Fprintln(w, "  admit     Join the hierarchy under the configured parent")
	fmt.Fprintln(w, "  export    Export an audit evidence pack from the NIB")
	fmt.Fprintln(w, "  keygen    Generate a shared secret file")
	fmt.Fprintln(w, "  version   Print the version")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration comes from PDSNO_* environment variables; see pkg/config.")
}
