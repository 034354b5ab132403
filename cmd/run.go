package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/starschema-etl/internal/config"
	"github.com/sells-group/starschema-etl/internal/db"
	"github.com/sells-group/starschema-etl/internal/export"
	"github.com/sells-group/starschema-etl/internal/model"
	"github.com/sells-group/starschema-etl/internal/pipeline"
	"github.com/sells-group/starschema-etl/internal/vertical"
	"github.com/sells-group/starschema-etl/internal/warehouse"
)

var (
	runMode      string
	runOut       string
	runFresh     bool
	runWorkers   int
	runTarget    int
	runFormats   []string
	runUpload    bool
	runWarehouse bool
)

var runCmd = &cobra.Command{
	Use:   "run <vertical>",
	Short: "Run one vertical end to end",
	Long: "Extracts, cleans, models, validates, analyzes and exports one vertical. " +
		"Exit codes: 0 accepted, 1 error, 2 extraction aborted, 3 fatal quality gate, 4 below acceptance threshold.",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyRunFlags(cmd, cfg)
		if err := cfg.Validate("run"); err != nil {
			return err
		}
		mode, err := model.ParseMode(runMode)
		if err != nil {
			return err
		}

		reg, err := vertical.NewRegistry(cfg.Verticals.Dir)
		if err != nil {
			return eris.Wrap(err, "load verticals")
		}
		v, err := reg.Get(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		exp, err := buildExporter(cfg)
		if err != nil {
			return err
		}

		var opts []pipeline.Option
		if runWarehouse {
			if cfg.Warehouse.DatabaseURL == "" {
				return eris.New("warehouse.database_url is required with --warehouse")
			}
			pool, err := db.Connect(ctx, cfg.Warehouse.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			opts = append(opts, pipeline.WithWarehouse(warehouse.NewLoader(pool, cfg.Warehouse.Schema)))
		}

		res, runErr := pipeline.New(cfg, st, exp, opts...).Run(ctx, v, pipeline.Options{
			Mode:       mode,
			Fresh:      runFresh,
			Workers:    runWorkers,
			TargetRows: runTarget,
		})
		if res != nil && res.Run != nil {
			if err := writeRunSummary(os.Stdout, res); err != nil {
				zap.L().Warn("write run summary", zap.Error(err))
			}
		}

		code := pipeline.ExitCode(res, runErr)
		if code == pipeline.ExitOK {
			return nil
		}
		if runErr == nil {
			runErr = eris.Errorf("run %s finished below the acceptance threshold", res.Run.ID)
		}
		return &exitError{code: code, err: runErr}
	},
}

// applyRunFlags copies explicitly set flags over the loaded config.
func applyRunFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("out") {
		c.Output.Dir = runOut
	}
	if flags.Changed("format") {
		c.Output.Formats = runFormats
	}
	if flags.Changed("upload") {
		c.Output.Upload = runUpload
	}
}

// buildExporter creates the artifact writer, mirroring to the object store
// when output.upload is set.
func buildExporter(c *config.Config) (*export.Exporter, error) {
	var opts []export.Option
	if c.Output.Upload {
		obj, err := export.NewMinIOStore(c.ObjectStore)
		if err != nil {
			return nil, err
		}
		opts = append(opts, export.WithUpload(obj, c.ObjectStore.Prefix))
	}
	return export.New(c.Output.Dir, c.Output.Formats, opts...)
}

type runSummary struct {
	Run       *model.PipelineRun `json:"run"`
	Scope     string             `json:"checkpoint_scope"`
	Window    string             `json:"window"`
	Artifacts []string           `json:"artifacts,omitempty"`
	Uploaded  []string           `json:"uploaded,omitempty"`
	Warehouse map[string]int64   `json:"warehouse_rows,omitempty"`
}

func writeRunSummary(w io.Writer, res *pipeline.Result) error {
	s := runSummary{
		Run:    res.Run,
		Scope:  res.Scope,
		Window: res.Window.String(),
	}
	if res.Manifest != nil {
		s.Artifacts = res.Manifest.Files
		s.Uploaded = res.Manifest.Uploaded
	}
	if res.Warehouse != nil {
		s.Warehouse = res.Warehouse.Rows
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", string(model.ModeFull), "extraction volume (full, test, quick)")
	runCmd.Flags().StringVar(&runOut, "out", "", "artifact directory (default from config)")
	runCmd.Flags().BoolVar(&runFresh, "fresh", false, "discard checkpointed pages before extracting")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "concurrent partition workers (default from config)")
	runCmd.Flags().IntVar(&runTarget, "target", 0, "target row count (default from mode)")
	runCmd.Flags().StringSliceVar(&runFormats, "format", nil, "artifact formats: csv, parquet (default from config)")
	runCmd.Flags().BoolVar(&runUpload, "upload", false, "mirror artifacts to the object store")
	runCmd.Flags().BoolVar(&runWarehouse, "warehouse", false, "load the star schema into the Postgres warehouse")
	rootCmd.AddCommand(runCmd)
}
