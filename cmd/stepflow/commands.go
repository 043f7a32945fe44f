package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/importer/n8n"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

func newRunCmd(open opener) *cobra.Command {
	var (
		graphFile   string
		graphID     string
		destination string
		startSteps  []string
		dirtySteps  []string
		fromRun     string
		pinFile     string
		triggerStep string
		data        string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a graph, fully or partially",
		Long: `Execute a graph from a file (--graph) or the store (--graph-id).

A partial run reuses the record of an earlier run (--from-run) and executes
only what --destination needs, or starts at --start.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if graphFile != "" && graphID != "" {
				return fmt.Errorf("--graph and --graph-id are mutually exclusive")
			}
			if graphFile == "" && graphID == "" && fromRun == "" {
				return fmt.Errorf("one of --graph, --graph-id or --from-run is required")
			}
			if data != "" && triggerStep == "" {
				return fmt.Errorf("--data requires --trigger")
			}

			ctx := cmd.Context()
			a, err := open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			req := &schema.ExecutionRequest{
				GraphID:     graphID,
				Destination: destination,
				StartSteps:  startSteps,
				DirtySteps:  dirtySteps,
			}
			if graphFile != "" {
				g, err := loadGraph(graphFile)
				if err != nil {
					return err
				}
				if err := a.validator.ValidateGraph(g); err != nil {
					return err
				}
				req.Graph = g
			}
			if fromRun != "" {
				prior, err := a.engine.Status(ctx, fromRun)
				if err != nil {
					return fmt.Errorf("load run %s: %w", fromRun, err)
				}
				req.PriorRecord = prior.Record
				if req.GraphID == "" && req.Graph == nil {
					req.Graph = &prior.Graph
				}
			}
			if pinFile != "" {
				if req.Pinned, err = loadPinned(pinFile); err != nil {
					return err
				}
			}
			if triggerStep != "" {
				items, err := parseItems(data)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					items = schema.NewItemSet(map[string]any{})
				}
				req.Trigger = &schema.TriggerOverride{
					Step: triggerStep,
					Result: schema.TaskResult{
						Status:  schema.TaskStatusSuccess,
						Outputs: []schema.ItemSet{items},
					},
				}
			}

			resp, err := a.engine.Run(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&graphFile, "graph", "g", "", "graph definition file (JSON or YAML)")
	f.StringVar(&graphID, "graph-id", "", "stored graph ID")
	f.StringVarP(&destination, "destination", "d", "", "run only what this step needs")
	f.StringSliceVar(&startSteps, "start", nil, "explicit start steps")
	f.StringSliceVar(&dirtySteps, "dirty", nil, "steps whose prior results are stale")
	f.StringVar(&fromRun, "from-run", "", "reuse the record of this run")
	f.StringVar(&pinFile, "pin", "", "pinned data file: step name to item list")
	f.StringVar(&triggerStep, "trigger", "", "trigger step whose output is supplied by --data")
	f.StringVar(&data, "data", "", "trigger items as a JSON object or array")
	return cmd
}

func newResumeCmd(open opener) *cobra.Command {
	var (
		data        string
		payloadFile string
	)

	cmd := &cobra.Command{
		Use:   "resume TOKEN",
		Short: "Continue a run parked on a waiting step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if data != "" && payloadFile != "" {
				return fmt.Errorf("--data and --payload are mutually exclusive")
			}
			var (
				payload schema.ItemSet
				err     error
			)
			switch {
			case payloadFile != "":
				payload, err = loadItems(payloadFile)
			case data != "":
				payload, err = parseItems(data)
			}
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			resp, err := a.engine.Resume(ctx, schema.ResumeSignal{Token: args[0], Payload: payload})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVar(&data, "data", "", "resume items as a JSON object or array")
	cmd.Flags().StringVar(&payloadFile, "payload", "", "resume items file, - for stdin")
	return cmd
}

func newCancelCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a running or waiting run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.Cancel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s canceled\n", args[0])
			return nil
		},
	}
}

func newStatusCmd(open opener) *cobra.Command {
	var withRecord, withEvents bool

	cmd := &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.engine.Status(ctx, args[0])
			if err != nil {
				return err
			}
			out := map[string]any{
				"id":     run.ID,
				"status": run.Status,
			}
			if run.GraphID != "" {
				out["graph_id"] = run.GraphID
			}
			if run.AwaitingStep != "" {
				out["awaiting_step"] = run.AwaitingStep
				out["resume_token"] = run.ResumeToken
			}
			if run.Error != nil {
				out["error"] = run.Error
			}
			if withRecord {
				out["record"] = run.Record
			}
			if withEvents {
				events, err := a.store.GetEvents(ctx, run.ID, 0)
				if err != nil {
					return err
				}
				out["events"] = events
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().BoolVar(&withRecord, "record", false, "include the run record")
	cmd.Flags().BoolVar(&withEvents, "events", false, "include the event log")
	return cmd
}

func newTraceCmd(open opener) *cobra.Command {
	var output, item int

	cmd := &cobra.Command{
		Use:   "trace RUN_ID STEP",
		Short: "Trace an output item back to the items it was derived from",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			paths, err := a.engine.Trace(ctx, args[0], args[1], output, item)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, p := range paths {
				fmt.Fprintln(w, p.Origin().String())
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&output, "output", 0, "output port index")
	cmd.Flags().IntVar(&item, "item", 0, "item index within the port")
	return cmd
}

func newDefineCmd(open opener) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "define FILE",
		Short: "Validate and store a graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadGraph(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := saveGraph(cmd, a, g, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Graph %s stored (%d steps)\n", rec.ID, len(g.Steps))
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "graph ID (default: the id field, else a new UUID)")
	return cmd
}

// saveGraph validates g and stores it under id, g.ID or a fresh UUID.
func saveGraph(cmd *cobra.Command, a *app, g *schema.Graph, id string) (*store.GraphRecord, error) {
	switch {
	case id != "":
		g.ID = id
	case g.ID == "":
		g.ID = uuid.New().String()
	}
	if err := a.validator.ValidateGraph(g); err != nil {
		return nil, err
	}
	rec := &store.GraphRecord{ID: g.ID, Name: g.Name, Definition: *g}
	if err := a.store.SaveGraph(cmd.Context(), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func newScheduleCmd(open opener) *cobra.Command {
	var (
		cronExpr    string
		triggerStep string
		data        string
		jobID       string
	)

	cmd := &cobra.Command{
		Use:   "schedule GRAPH_ID",
		Short: "Run a stored graph on a cron schedule",
		Long: `Register a cron job for a stored graph. Jobs are picked up by a running
"stepflow serve".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseItems(data)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if jobID == "" {
				jobID = uuid.New().String()
			}
			job := &store.ScheduledJob{
				ID:             jobID,
				GraphID:        args[0],
				TriggerStep:    triggerStep,
				Payload:        payload,
				CronExpression: cronExpr,
				Enabled:        true,
			}
			sched := scheduler.NewScheduler(a.store, a.engine, a.logger, 0)
			if err := sched.Schedule(ctx, job); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cronExpr, "cron", "", "5-field cron expression (required)")
	f.StringVar(&triggerStep, "trigger", "", "trigger step that receives --data")
	f.StringVar(&data, "data", "", "trigger items as a JSON object or array")
	f.StringVar(&jobID, "id", "", "job ID (default: new UUID)")
	_ = cmd.MarkFlagRequired("cron")
	return cmd
}

func newImportN8NCmd(open opener) *cobra.Command {
	var (
		outFile string
		save    bool
		saveID  string
	)

	cmd := &cobra.Command{
		Use:   "import-n8n FILE",
		Short: "Convert an n8n workflow export into a graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			res, err := n8n.Import(data, n8n.Options{})
			if err != nil {
				return err
			}
			for _, w := range res.Warnings {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}

			if save {
				ctx := cmd.Context()
				a, err := open(ctx)
				if err != nil {
					return err
				}
				defer a.Close()
				if _, err := saveGraph(cmd, a, &res.Graph, saveID); err != nil {
					return err
				}
			}

			if outFile == "" {
				return printJSON(cmd.OutOrStdout(), res)
			}
			f, err := os.Create(outFile)
			if err != nil {
				return err
			}
			if err := printJSON(f, res); err != nil {
				_ = f.Close()
				return err
			}
			return f.Close()
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the result to a file instead of stdout")
	cmd.Flags().BoolVar(&save, "save", false, "also store the graph")
	cmd.Flags().StringVar(&saveID, "id", "", "graph ID for --save (default: the workflow id, else a new UUID)")
	return cmd
}
