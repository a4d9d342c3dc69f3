// Workgraph orchestrates heterogeneous agent fleets over a declarative,
// local-first task graph: a JSONL graph file, an append-only operation log,
// and an advisory-locked mutation engine take the place of a central server.
package main

import (
	"os"
	"runtime/debug"

	"github.com/workgraph/workgraph/internal/cli"
	"github.com/workgraph/workgraph/internal/output"
)

// version is set via ldflags (-X main.version=v1.0.0) or detected
// automatically from Go module info embedded by go install.
var version = "dev"

func main() {
	if version == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	err := cli.Execute(version)
	os.Exit(output.ExitCode(err))
}
