package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"latentcal/internal/storage"
	"latentcal/pkg/latentcal"
)

type globalFlags struct {
	store         string
	dbPath        string
	checkpointDir string
	outputDir     string
	exportsDir    string
	quiet         bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "latentcalctl",
		Short: "Train and apply latent calibration models",
		Long: `latentcalctl aligns a source measurement domain to a target domain.

It trains a shared variational encoder with one decoder per domain while a
Wasserstein critic pushes both domains' codes together, then writes the
source decoded through the target decoder as calibrated data.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.store, "store", storage.KindDir, "checkpoint store backend: memory|sqlite|dir")
	pf.StringVar(&g.dbPath, "db_path", "latentcal.db", "sqlite database path")
	pf.StringVar(&g.checkpointDir, "checkpoint_dir", "", "checkpoint root for the dir backend (defaults to output_dir)")
	pf.StringVar(&g.outputDir, "output_dir", "output", "directory holding one folder per run")
	pf.StringVar(&g.exportsDir, "exports_dir", "exports", "default export destination")
	pf.BoolVar(&g.quiet, "quiet", false, "disable progress logging")

	root.AddCommand(
		newTrainCmd(g),
		newCalibrateCmd(g),
		newRunsCmd(g),
		newLossCmd(g),
		newExportCmd(g),
	)
	return root
}

func (g *globalFlags) client(errOut io.Writer) (*latentcal.Client, error) {
	logger := log.New(errOut, "", log.LstdFlags)
	if g.quiet {
		logger = log.New(io.Discard, "", 0)
	}
	return latentcal.New(latentcal.Options{
		StoreKind:     g.store,
		DBPath:        g.dbPath,
		CheckpointDir: g.checkpointDir,
		OutputDir:     g.outputDir,
		ExportsDir:    g.exportsDir,
		Logger:        logger,
	})
}

func newTrainCmd(g *globalFlags) *cobra.Command {
	f := &trainFlags{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a calibration run and write its calibrated data",
		Long: `Train a calibration run. Training resumes after the latest checkpoint
when the run id (experiment_name) already has one. With --config, keys of the
JSON file use the flag names and flags given on the command line win.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := buildRunRequest(f, cmd.Flags().Changed)
			if err != nil {
				return err
			}
			client, err := g.client(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			summary, err := client.Train(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run_id=%s epochs=%d iterations=%d resumed=%t start_epoch=%d\n",
				summary.RunID, summary.CompletedEpochs, summary.Iterations, summary.Resumed, summary.StartEpoch)
			fmt.Fprintf(out, "final G_loss=%.6f D_loss=%.6f\n", summary.FinalGLoss, summary.FinalDLoss)
			fmt.Fprintf(out, "run_dir=%s calibrated_files=%d\n", summary.RunDir, len(summary.CalibratedFiles))
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newCalibrateCmd(g *globalFlags) *cobra.Command {
	var runID string
	var latest bool
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Write calibrated data from a run's latest checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := g.client(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			summary, err := client.Calibrate(cmd.Context(), latentcal.CalibrateRequest{RunID: runID, Latest: latest})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run_id=%s restored=%t epoch=%d files=%d\n",
				summary.RunID, summary.Restored, summary.Epoch+1, len(summary.Files))
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run_id", "", "run id to calibrate")
	cmd.Flags().BoolVar(&latest, "latest", false, "calibrate the most recent run")
	return cmd
}

func newRunsCmd(g *globalFlags) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List indexed runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := g.client(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			runs, err := client.Runs(cmd.Context(), latentcal.RunsRequest{Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				data, err := json.MarshalIndent(runs, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN_ID\tCREATED_AT\tMODEL\tEPOCHS\tG_LOSS\tD_LOSS\tSTATUS")
			for _, r := range runs {
				status := "ok"
				if r.Failed {
					status = "failed"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%.6f\t%.6f\t%s\n",
					r.RunID, r.CreatedAtUTC, r.Architecture, r.Completed, r.Epochs, r.FinalGLoss, r.FinalDLoss, status)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newLossCmd(g *globalFlags) *cobra.Command {
	var runID string
	var latest bool
	var limit int
	cmd := &cobra.Command{
		Use:   "loss",
		Short: "Print the per-iteration loss history of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := g.client(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			rows, err := client.LossHistory(cmd.Context(), latentcal.LossHistoryRequest{RunID: runID, Latest: latest, Limit: limit})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "EPOCH\tITER\tREC_A\tREC_B\tKLD_A\tKLD_B\tADV\tG\tWD\tGP\tD")
			for _, r := range rows {
				fmt.Fprintf(w, "%d\t%d\t%.5f\t%.5f\t%.5f\t%.5f\t%.5f\t%.5f\t%.5f\t%.5f\t%.5f\n",
					r.Epoch+1, r.Iteration+1, r.RecLossA, r.RecLossB, r.KLDLossA, r.KLDLossB, r.AdvLoss, r.GLoss, r.WDLoss, r.GPLoss, r.DLoss)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&runID, "run_id", "", "run id")
	cmd.Flags().BoolVar(&latest, "latest", false, "use the most recent run")
	cmd.Flags().IntVar(&limit, "limit", 0, "only print the last n iterations (0 = all)")
	return cmd
}

func newExportCmd(g *globalFlags) *cobra.Command {
	var runID, outDir string
	var latest bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy a run's settings, loss history and calibrated data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := g.client(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			summary, err := client.Export(cmd.Context(), latentcal.ExportRequest{RunID: runID, Latest: latest, OutDir: outDir})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported run_id=%s to %s\n", summary.RunID, summary.Directory)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run_id", "", "run id to export")
	cmd.Flags().BoolVar(&latest, "latest", false, "export the most recent run")
	cmd.Flags().StringVar(&outDir, "out", "", "destination directory (defaults to exports_dir)")
	return cmd
}
