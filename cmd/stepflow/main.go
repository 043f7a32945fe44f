// Command stepflow runs step graphs from the command line and serves them
// over MCP.
//
// Usage:
//
//	stepflow <command> [flags]
//
// Commands:
//
//	serve       MCP on stdio, HTTP API with SSE and /metrics, cron scheduler
//	run         Execute a graph, fully or partially
//	resume      Continue a run parked on a waiting step
//	cancel      Cancel a run
//	status      Show a stored run
//	trace       Trace an output item to its origin
//	define      Validate and store a graph
//	schedule    Run a stored graph on a cron schedule
//	diagram     Render a graph or run as mermaid, ascii, png or svg
//	import-n8n  Convert an n8n workflow export
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// version is set via ldflags at build time.
var version = "dev"

// opener wires the runtime for a command.
type opener func(ctx context.Context) (*app, error)

func main() {
	if err := newRootCmd(openApp).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "stepflow",
		Short:         "stepflow: item-based step graph engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(open),
		newRunCmd(open),
		newResumeCmd(open),
		newCancelCmd(open),
		newStatusCmd(open),
		newTraceCmd(open),
		newDefineCmd(open),
		newScheduleCmd(open),
		newDiagramCmd(open),
		newImportN8NCmd(open),
	)
	return root
}

// openApp loads the layered config and wires the runtime. Logs go to stderr
// so stdout stays free for results and the MCP transport.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, os.Stderr)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
