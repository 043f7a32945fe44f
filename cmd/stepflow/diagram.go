package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/pkg/schema"
)

func newDiagramCmd(open opener) *cobra.Command {
	var (
		graphFile string
		graphID   string
		runID     string
		format    string
		outFile   string
	)

	cmd := &cobra.Command{
		Use:   "diagram",
		Short: "Render a graph, or a run with its step states",
		Long: `Render a graph file (--graph), a stored graph (--graph-id) or a run (--run)
as mermaid, ascii, png or svg. Image formats need --out.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			set := 0
			for _, v := range []string{graphFile, graphID, runID} {
				if v != "" {
					set++
				}
			}
			if set != 1 {
				return fmt.Errorf("exactly one of --graph, --graph-id or --run is required")
			}
			image := format == diagram.FormatPNG || format == diagram.FormatSVG
			if image && outFile == "" {
				return fmt.Errorf("--format %s requires --out", format)
			}

			ctx := cmd.Context()
			var (
				def    *schema.Graph
				record schema.RunRecord
			)
			if graphFile != "" {
				g, err := loadGraph(graphFile)
				if err != nil {
					return err
				}
				def = g
			} else {
				a, err := open(ctx)
				if err != nil {
					return err
				}
				defer a.Close()
				if graphID != "" {
					rec, err := a.store.GetGraph(ctx, graphID)
					if err != nil {
						return err
					}
					def = &rec.Definition
				} else {
					run, err := a.engine.Status(ctx, runID)
					if err != nil {
						return err
					}
					def, record = &run.Graph, run.Record
				}
			}

			model, err := diagram.Build(def, record)
			if err != nil {
				return err
			}

			var out []byte
			switch format {
			case "mermaid":
				out = []byte(diagram.RenderMermaid(model))
			case "ascii":
				out = []byte(diagram.RenderASCII(model))
			case diagram.FormatPNG, diagram.FormatSVG:
				if out, err = diagram.RenderImage(ctx, model, format); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q (want mermaid, ascii, png or svg)", format)
			}

			if outFile == "" {
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			return os.WriteFile(outFile, out, 0o644)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&graphFile, "graph", "g", "", "graph definition file (JSON or YAML)")
	f.StringVar(&graphID, "graph-id", "", "stored graph ID")
	f.StringVar(&runID, "run", "", "run ID; overlays step states")
	f.StringVarP(&format, "format", "f", "ascii", "mermaid, ascii, png or svg")
	f.StringVarP(&outFile, "out", "o", "", "write to a file instead of stdout")
	return cmd
}
