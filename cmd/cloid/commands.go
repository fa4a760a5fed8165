package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cloid/internal/optimize"
	"cloid/internal/supervisor"
	"cloid/pkg/types"
)

func newSetupCmd(a *app) *cobra.Command {
	var noPull bool
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Make sure the runtime is running and the model is installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			sup, err := a.supervisor(true)
			if err != nil {
				return err
			}
			if err := sup.Start(cmd.Context()); err != nil {
				if supervisor.IsDependencyUnavailable(err) {
					fmt.Fprintln(out, "Ollama is not installed. Install it from https://ollama.com and run setup again.")
				}
				return err
			}
			if sup.Adopted() {
				fmt.Fprintln(out, "Ollama service is already running.")
			} else {
				fmt.Fprintf(out, "Ollama service started (pid %d).\n", sup.PID())
			}
			if noPull {
				return nil
			}

			client, err := a.client()
			if err != nil {
				return err
			}
			pulled, err := client.EnsureModel(cmd.Context(), a.cfg.Model, progressPrinter(out))
			if err != nil {
				return fmt.Errorf("ensure model %s: %w", a.cfg.Model, err)
			}
			if pulled {
				fmt.Fprintf(out, "\nModel %s downloaded successfully.\n", a.cfg.Model)
			} else {
				fmt.Fprintf(out, "Model %s is already available.\n", a.cfg.Model)
			}
			fmt.Fprintln(out, "Setup completed.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&noPull, "no-pull", false, "Only start the runtime")
	return cmd
}

func newQueryCmd(a *app) *cobra.Command {
	var (
		deterministic bool
		noCache       bool
		temperature   float64
		asJSON        bool
	)
	cmd := &cobra.Command{
		Use:   "query [prompt...]",
		Short: "Send one optimized prompt to the model (reads stdin without args)",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			if prompt == "" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				prompt = string(b)
			}
			if strings.TrimSpace(prompt) == "" {
				return fmt.Errorf("empty prompt")
			}

			client, err := a.client()
			if err != nil {
				return err
			}
			opt, err := a.optimizer(client)
			if err != nil {
				return err
			}
			defer opt.Close()

			qo := optimize.QueryOptions{Deterministic: deterministic, NoCache: noCache}
			if cmd.Flags().Changed("temperature") {
				qo.Options = types.Options{optimize.OptTemperature: temperature}
			}
			res := opt.Query(cmd.Context(), prompt, qo)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, res.Response)
			}
			return res.Err()
		},
	}
	f := cmd.Flags()
	f.BoolVar(&deterministic, "deterministic", false, "Greedy sampling (top_k=1, top_p=0.1, temperature=0)")
	f.BoolVar(&noCache, "no-cache", false, "Bypass the request cache")
	f.Float64Var(&temperature, "temperature", 0, "Sampling temperature")
	f.BoolVar(&asJSON, "json", false, "Print the full result as JSON")
	return cmd
}

func newWarmupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "warmup",
		Short: "Load the model into memory with a short deterministic prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			opt, err := a.optimizer(client)
			if err != nil {
				return err
			}
			defer opt.Close()
			if !opt.Warmup(cmd.Context()) {
				return fmt.Errorf("warmup of %s failed", a.cfg.Model)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Model %s warmed up.\n", a.cfg.Model)
			return nil
		},
	}
}

func newCalibrateCmd(a *app) *cobra.Command {
	var (
		threads int
		batch   int
		show    bool
	)
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Create or retune the model's calibration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := optimize.NewCalibrationStore(a.cfg.CacheDir, a.log)
			model := a.cfg.Model
			fl := cmd.Flags()

			var path string
			if fl.Changed("threads") || fl.Changed("batch") {
				p, ok := store.Params(model)
				if !ok && store.Load(model, store.PathFor(model)) {
					p, ok = store.Params(model)
				}
				if !ok {
					p = store.DefaultParams()
				}
				if fl.Changed("threads") {
					p.NumThread = threads
				}
				if fl.Changed("batch") {
					p.NumBatch = batch
				}
				saved, err := store.Retune(model, p)
				if err != nil {
					return err
				}
				path = saved
			} else {
				if err := store.Initialize(model); err != nil {
					return err
				}
				path = store.PathFor(model)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Calibration for %s: %s\n", model, path)
			if show {
				p, _ := store.Params(model)
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(p)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&threads, "threads", 0, "Override num_thread")
	f.IntVar(&batch, "batch", 0, "Override num_batch")
	f.BoolVar(&show, "show", false, "Print the stored parameters")
	return cmd
}

func newModelsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage models installed in the runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("models requires a subcommand: list|pull|rm")
		},
	}
	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List installed models",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			models, err := client.ListModels(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSIZE\tFAMILY\tQUANT")
			for _, m := range models {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Name, humanBytes(m.Size), m.Family, m.Quant)
			}
			return tw.Flush()
		},
	}
	pull := &cobra.Command{
		Use:   "pull <model>",
		Short: "Download a model into the runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := client.PullModel(cmd.Context(), args[0], progressPrinter(out)); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nPulled %s.\n", args[0])
			return nil
		},
	}
	rm := &cobra.Command{
		Use:   "rm <model>",
		Short: "Delete a model from the runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			if err := client.DeleteModel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", args[0])
			return nil
		},
	}
	cmd.AddCommand(list, pull, rm)
	return cmd
}

func newProvisionCmd(a *app) *cobra.Command {
	var (
		dir   string
		force bool
		check bool
	)
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Download the CodeBERT tokenizer and weights from the Hugging Face hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.provisioner(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if check {
				if missing := p.Missing(); len(missing) > 0 {
					return fmt.Errorf("missing in %s: %s", p.Dir(), strings.Join(missing, ", "))
				}
				fmt.Fprintf(out, "Model present in %s.\n", p.Dir())
				return nil
			}
			var got string
			if force {
				got, err = p.Download(cmd.Context())
			} else {
				got, err = p.Ensure(cmd.Context())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Model ready in %s.\n", got)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&dir, "dir", "", "Install directory (default $CLOI_DATA_DIR/models/codebert-base)")
	f.BoolVar(&force, "force", false, "Download even if files are present")
	f.BoolVar(&check, "check", false, "Only report whether the files are present")
	return cmd
}

// progressPrinter renders pull progress on one line per status.
func progressPrinter(w io.Writer) func(types.PullProgress) {
	last := ""
	return func(p types.PullProgress) {
		if p.Total > 0 {
			fmt.Fprintf(w, "\r%s %3d%%", p.Status, p.Completed*100/p.Total)
			last = p.Status
			return
		}
		if p.Status != last {
			if last != "" {
				fmt.Fprintln(w)
			}
			fmt.Fprint(w, p.Status)
			last = p.Status
		}
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
