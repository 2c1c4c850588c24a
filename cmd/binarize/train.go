package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-binarize/internal/arrow_client"
	"github.com/23skdu/longbow-binarize/internal/config"
	"github.com/23skdu/longbow-binarize/internal/corpus"
	"github.com/23skdu/longbow-binarize/internal/eval"
	"github.com/23skdu/longbow-binarize/internal/logger"
	"github.com/23skdu/longbow-binarize/internal/monitoring"
	"github.com/23skdu/longbow-binarize/internal/nn"
	"github.com/23skdu/longbow-binarize/internal/scheduler"
)

// syntheticExamples is the corpus size used when no dataset is given.
const syntheticExamples = 64

func newTrainCmd(g *globalFlags) *cobra.Command {
	cfg := config.Default()
	var mf modelFlags
	var tasks string

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Substitute, train, freeze and checkpoint every unit of a model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Tasks = eval.ParseTasks(tasks)
			cfg.Seed = mf.seed
			cfg.LogLevel, cfg.LogFormat = g.logLevel, g.logFormat
			return runTrain(cmd.Context(), cmd.OutOrStdout(), cfg, &mf)
		},
	}
	mf.register(cmd)

	f := cmd.Flags()
	f.StringVar(&cfg.ModelID, "model-id", "", "Model identifier used in checkpoint names (defaults to --model)")
	f.StringVar(&cfg.Dataset, "dataset", "", "JSONL training corpus (synthetic tokens when empty)")
	f.StringVar(&cfg.DataField, "data-field", cfg.DataField, "JSON field holding the example text")
	f.Float64Var(&cfg.DataPercent, "data-percent", cfg.DataPercent, "Percentage of the corpus to use, in (0, 100]")
	f.IntVar(&cfg.MaxSeqLen, "max-seq-len", cfg.MaxSeqLen, "Maximum tokens per example")

	f.StringVar(&cfg.Granularity, "granularity", cfg.Granularity, "Unit granularity (whole_model, per_block, per_linear)")
	f.StringVar(&cfg.Order, "order", cfg.Order, "Unit order (forward, reverse)")
	f.StringSliceVar(&cfg.BlockPaths, "block-paths", nil, "Candidate paths of the decoder layer list")
	f.StringVar(&cfg.Method, "method", cfg.Method, "Quantization method, optionally with an outlier policy (e.g. xnor_outlier_column)")
	f.Float64Var(&cfg.OutlierFraction, "outlier-fraction", cfg.OutlierFraction, "Fraction of weights kept in full precision")
	f.IntVar(&cfg.LowBits, "low-bits", cfg.LowBits, "Bit width for the lowbit method")

	f.IntVar(&cfg.TrainSteps, "train-steps", cfg.TrainSteps, "Training steps per unit (0 skips training)")
	f.BoolVar(&cfg.Debug, "debug", false, "Take a single training step per unit")
	f.Float64Var(&cfg.LearningRate, "learning-rate", cfg.LearningRate, "Peak learning rate")
	f.Float64Var(&cfg.WarmupFraction, "warmup-fraction", cfg.WarmupFraction, "Fraction of steps spent warming up")
	f.StringVar(&cfg.Schedule, "schedule", cfg.Schedule, "LR schedule (cosine, cosine_with_restarts, constant)")
	f.IntVar(&cfg.Cycles, "cycles", cfg.Cycles, "Cycles for cosine_with_restarts")
	f.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Examples concatenated per step")

	f.StringVar(&cfg.ModelSaveDir, "save-dir", cfg.ModelSaveDir, "Checkpoint root directory")
	f.StringVar(&cfg.ResumeFrom, "resume-from", "", "Resume the run at this unit")

	f.StringVar(&tasks, "tasks", "qerr,coverage", "Comma-separated evaluation tasks")
	f.IntVar(&cfg.EvalLimit, "eval-limit", cfg.EvalLimit, "Per-task example limit")
	f.IntVar(&cfg.EvalEvery, "eval-every", 0, "Also evaluate after every N units")
	f.StringVar(&cfg.EvalLog, "eval-log", "", "File that evaluation results are appended to")

	f.StringVar(&cfg.MetricsAddr, "metrics", "", "Serve health and Prometheus metrics on this address")
	f.StringVar(&cfg.FlightAddr, "flight", "", "Publish checkpoints to this Arrow Flight server")
	return cmd
}

func runTrain(ctx context.Context, out io.Writer, cfg config.Config, mf *modelFlags) error {
	model, id, err := mf.load()
	if err != nil {
		return err
	}
	if cfg.ModelID == "" {
		cfg.ModelID = id
	}
	cfg.ModelPath = mf.path

	src, err := loadCorpus(&cfg, model)
	if err != nil {
		return err
	}

	deps := scheduler.Deps{Corpus: src, Evaluator: eval.QuantError{}}
	if cfg.MetricsAddr != "" {
		hm := monitoring.NewHealthMonitor()
		go func() {
			if err := hm.Start(cfg.MetricsAddr); err != nil {
				logger.Log.Error("health monitor failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hm.Stop(sctx)
		}()
		deps.Observer = hm
	}
	if cfg.FlightAddr != "" {
		client, err := arrow_client.NewFlightClient(cfg.FlightAddr)
		if err != nil {
			return err
		}
		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer client.Close()
		deps.Publisher = client
	}

	s, err := scheduler.New(model, cfg, deps)
	if err != nil {
		return err
	}
	rep, err := s.Run(ctx)
	if rep != nil && len(rep.Units) > 0 {
		renderReport(out, rep)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, rep.Summary())
	return nil
}

func loadCorpus(cfg *config.Config, model nn.Module) (corpus.Source, error) {
	var src corpus.Source
	if cfg.Dataset != "" {
		m, err := corpus.LoadJSONL(cfg.Dataset, cfg.DataField, cfg.DataPercent, cfg.MaxSeqLen)
		if err != nil {
			return nil, err
		}
		src = m
	} else {
		cfg.Dataset = "synthetic"
		s, err := corpus.Sample(corpus.Synthetic(syntheticExamples, min(cfg.MaxSeqLen, 32), vocabSize(model), cfg.Seed), cfg.DataPercent)
		if err != nil {
			return nil, err
		}
		src = s
	}
	return corpus.Group(src, cfg.BatchSize)
}

func renderReport(w io.Writer, rep *scheduler.Report) {
	var data [][]string
	for _, u := range rep.Units {
		data = append(data, []string{
			u.Name,
			u.Path,
			strconv.Itoa(u.Replaced),
			strconv.Itoa(u.Steps),
			strconv.FormatFloat(u.FinalLoss, 'g', 4, 64),
			u.Checkpoint,
			eval.Format(u.Results),
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"UNIT", "PATH", "REPLACED", "STEPS", "LOSS", "CHECKPOINT", "EVAL"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	table.AppendBulk(data)
	table.Render()
}

