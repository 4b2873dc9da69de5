package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mverhoef/ecotune/internal/closedloop"
	"github.com/mverhoef/ecotune/internal/config"
	"github.com/mverhoef/ecotune/internal/linalg"
	"github.com/mverhoef/ecotune/internal/mpc"
	"github.com/mverhoef/ecotune/internal/ocp"
	"github.com/mverhoef/ecotune/internal/plant"
	"github.com/mverhoef/ecotune/internal/store"
	"github.com/mverhoef/ecotune/internal/tuner"
	"github.com/mverhoef/ecotune/internal/tuning"
	"github.com/mverhoef/ecotune/internal/viz"
	"github.com/mverhoef/ecotune/pkg/logger"
)

var (
	dataDir    string
	logLevel   string
	configFile string
	preset     string

	period   int
	dt       float64
	substeps int
	horizon  int
	nsim     int
	maxIter  int
	rho      float64
	force    bool
	seed     int64

	controllerName string
	rhoGrid        []float64
	svgState       int
	outFile        string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ecotune",
		Short: "economic MPC tuning and closed-loop comparison",
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data", ".ecotune", "data directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	solveCmd := &cobra.Command{
		Use:   "solve [model]",
		Short: "solve the periodic optimal orbit",
		Args:  cobra.ExactArgs(1),
		RunE:  solveOrbit,
	}
	addProblemFlags(solveCmd)

	tuneCmd := &cobra.Command{
		Use:   "tune [model]",
		Short: "solve and convexify the tracking weights",
		Args:  cobra.ExactArgs(1),
		RunE:  tuneModel,
	}
	addProblemFlags(tuneCmd)
	tuneCmd.Flags().Float64SliceVar(&rhoGrid, "rho-grid", nil, "sweep these regularization strengths and keep the least distorting one")

	compareCmd := &cobra.Command{
		Use:   "compare [model]",
		Short: "closed-loop comparison of economic, tracking and tuned MPC",
		Args:  cobra.ExactArgs(1),
		RunE:  compareControllers,
	}
	addProblemFlags(compareCmd)

	equivCmd := &cobra.Command{
		Use:   "equivalence [model]",
		Short: "one-step control equivalence sweep around the orbit",
		Args:  cobra.ExactArgs(1),
		RunE:  equivalenceSweep,
	}
	addProblemFlags(equivCmd)

	runCmd := &cobra.Command{
		Use:   "run [model]",
		Short: "closed-loop simulation of a single controller",
		Args:  cobra.ExactArgs(1),
		RunE:  runSingle,
	}
	addProblemFlags(runCmd)
	runCmd.Flags().StringVar(&controllerName, "controller", "tuned", "controller variant (economic, tracking, tuned)")

	liveCmd := &cobra.Command{
		Use:   "live [model]",
		Short: "live closed-loop comparison in the terminal",
		Args:  cobra.ExactArgs(1),
		RunE:  runLive,
	}
	addProblemFlags(liveCmd)

	presetsCmd := &cobra.Command{
		Use:   "presets [model]",
		Short: "list available presets for a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			presets := config.ListPresets(args[0])
			if len(presets) == 0 {
				fmt.Printf("no presets for model: %s\n", args[0])
				return nil
			}
			fmt.Printf("presets for %s:\n", args[0])
			for _, p := range presets {
				fmt.Printf("  %s\n", p)
			}
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list saved runs",
		RunE:  listRuns,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id]",
		Short: "plot a saved run",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRun,
	}

	exportCSVCmd := &cobra.Command{
		Use:   "export-csv [run_id]",
		Short: "export a saved run to CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outFile != "" {
				return store.New(dataDir).ExportCSVFile(outFile, args[0])
			}
			return store.New(dataDir).ExportCSV(os.Stdout, args[0])
		},
	}
	exportCSVCmd.Flags().StringVar(&outFile, "out", "", "write to this file instead of stdout")

	exportJSONCmd := &cobra.Command{
		Use:   "export-json [run_id]",
		Short: "export a saved run to JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outFile != "" {
				return store.New(dataDir).ExportJSONFile(outFile, args[0])
			}
			return store.New(dataDir).ExportJSON(os.Stdout, args[0])
		},
	}
	exportJSONCmd.Flags().StringVar(&outFile, "out", "", "write to this file instead of stdout")

	exportSVGCmd := &cobra.Command{
		Use:   "export-svg [run_id]",
		Short: "render a saved run as an SVG chart on stdout",
		Args:  cobra.ExactArgs(1),
		RunE:  exportSVG,
	}
	exportSVGCmd.Flags().IntVar(&svgState, "state", -1, "plot this state component instead of the cost deviation")

	rootCmd.AddCommand(solveCmd, tuneCmd, compareCmd, equivCmd, runCmd, liveCmd, presetsCmd, listCmd, plotCmd, exportCSVCmd, exportJSONCmd, exportSVGCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addProblemFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&configFile, "config", "", "config file path (yaml)")
	cmd.Flags().StringVar(&preset, "preset", "default", "preset configuration")
	cmd.Flags().IntVar(&period, "period", 0, "orbit period (steps)")
	cmd.Flags().Float64Var(&dt, "dt", 0, "timestep")
	cmd.Flags().IntVar(&substeps, "substeps", 0, "integrator substeps per timestep")
	cmd.Flags().IntVar(&horizon, "horizon", 0, "prediction horizon")
	cmd.Flags().IntVar(&nsim, "nsim", 0, "closed-loop steps")
	cmd.Flags().IntVar(&maxIter, "max-iter", 0, "orbit solver iteration cap")
	cmd.Flags().Float64Var(&rho, "rho", 0, "convexifier regularization weight")
	cmd.Flags().BoolVar(&force, "force", false, "force convexification by spectral lift")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed recorded with the run")
}

// loadConfig resolves the scenario: preset, then config file, then explicit
// flags, later sources overriding earlier ones.
func loadConfig(cmd *cobra.Command, model string) (*config.Config, error) {
	cfg := config.GetPreset(model, preset)
	if cfg == nil {
		return nil, fmt.Errorf("unknown preset %q for model %q (available: %v)", preset, model, config.ListPresets(model))
	}
	resolved := *cfg

	if configFile != "" {
		fileCfg, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		resolved = *fileCfg
		resolved.Model = model
	}

	if cmd.Flags().Changed("period") {
		resolved.Period = period
	}
	if cmd.Flags().Changed("dt") {
		resolved.Dt = dt
	}
	if cmd.Flags().Changed("substeps") {
		resolved.Substeps = substeps
	}
	if cmd.Flags().Changed("horizon") {
		resolved.Horizon = horizon
	}
	if cmd.Flags().Changed("nsim") {
		resolved.Nsim = nsim
	}
	if cmd.Flags().Changed("max-iter") {
		resolved.MaxIter = maxIter
	}
	if cmd.Flags().Changed("rho") {
		resolved.Rho = rho
	}
	if cmd.Flags().Changed("force") {
		resolved.Force = force
	}
	if cmd.Flags().Changed("seed") {
		resolved.Seed = seed
	}

	if err := resolved.Validate(); err != nil {
		return nil, err
	}
	return &resolved, nil
}

func getModel(name string) (plant.System, error) {
	switch name {
	case "unicycle":
		return plant.NewUnicycle(), nil
	case "evaporation":
		return plant.NewEvaporation(), nil
	}
	return nil, fmt.Errorf("unknown model: %s (available: unicycle, evaporation)", name)
}

// setupTuner solves the orbit for the configured model.
func setupTuner(cfg *config.Config, log *slog.Logger) (*tuner.Tuner, error) {
	sys, err := getModel(cfg.Model)
	if err != nil {
		return nil, err
	}

	opts := ocp.DefaultOptions()
	opts.Log = log
	if cfg.MaxIter > 0 {
		opts.MaxIter = cfg.MaxIter
	}
	tn := tuner.New(sys, cfg.Period, cfg.Dt, cfg.Substeps, opts)

	start := time.Now()
	orbit, err := tn.SolveOCP(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("orbit solve failed: %w", err)
	}
	log.Info("orbit solved",
		"model", cfg.Model,
		"period", orbit.Period,
		"cost", orbit.Cost,
		"elapsed", time.Since(start))

	return tn, nil
}

func buildControllers(cfg *config.Config, tn *tuner.Tuner, names []string) ([]mpc.Controller, error) {
	opts := mpc.DefaultOptions(cfg.Horizon)
	opts.TerminalStates = cfg.TerminalStates
	controllers := make([]mpc.Controller, 0, len(names))
	for _, name := range names {
		ctrl, err := tn.CreateMPC(name, cfg.Horizon, opts, cfg.TrackingWeights, nil)
		if err != nil {
			return nil, fmt.Errorf("controller %s: %w", name, err)
		}
		controllers = append(controllers, ctrl)
	}
	return controllers, nil
}

func initState(cfg *config.Config, tn *tuner.Tuner) plant.State {
	if len(cfg.InitState) > 0 {
		return plant.State(cfg.InitState).Clone()
	}
	x0, _ := tn.Orbit().Phase(0)
	return x0.Clone()
}

func solveOrbit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args[0])
	if err != nil {
		return err
	}
	log := logger.NewText(logLevel, os.Stderr)

	tn, err := setupTuner(cfg, log)
	if err != nil {
		return err
	}
	orbit := tn.Orbit()

	sys, _ := getModel(cfg.Model)
	stateNames, controlNames := varNames(sys)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprint(w, "K")
	for _, n := range stateNames {
		fmt.Fprintf(w, "\t%s", n)
	}
	for _, n := range controlNames {
		fmt.Fprintf(w, "\t%s", n)
	}
	fmt.Fprintln(w, "\tl(x,u)")

	for k := 0; k < orbit.Period; k++ {
		x, u := orbit.Phase(k)
		fmt.Fprintf(w, "%d", k)
		for _, v := range x {
			fmt.Fprintf(w, "\t%.6f", v)
		}
		for _, v := range u {
			fmt.Fprintf(w, "\t%.6f", v)
		}
		fmt.Fprintf(w, "\t%.6f\n", sys.StageCost(x, u))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\ntotal economic cost over one period: %.6f\n", orbit.Cost)
	return nil
}

func tuneModel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args[0])
	if err != nil {
		return err
	}
	log := logger.NewText(logLevel, os.Stderr)

	tn, err := setupTuner(cfg, log)
	if err != nil {
		return err
	}

	sens, err := tn.Sensitivities()
	if err != nil {
		return err
	}
	before := rawMinEig(sens)

	if len(rhoGrid) > 0 {
		return sweepRhoGrid(cfg, sens, before, log)
	}

	tuned, err := tn.Convexify(cfg.Rho, cfg.Force)
	if err != nil {
		return err
	}

	fmt.Printf("model: %s, period: %d\n", cfg.Model, cfg.Period)
	fmt.Printf("min eigenvalue before: %+.6e\n", before)
	fmt.Printf("min eigenvalue after:  %+.6e\n", tuned.MinEig())

	if cfg.Period <= 4 {
		for k := 0; k < cfg.Period; k++ {
			H, _ := tuned.Stage(k)
			n := H.SymmetricDim()
			fmt.Printf("phase %d convexified Hessian diagonal:", k)
			for i := 0; i < n; i++ {
				fmt.Printf(" %.6f", H.At(i, i))
			}
			fmt.Println()
		}
	}
	return nil
}

// sweepRhoGrid convexifies across a grid of regularization strengths and
// reports the point whose weights stay closest to the raw Hessians.
func sweepRhoGrid(cfg *config.Config, sens *ocp.Sensitivities, before float64, log *slog.Logger) error {
	opts := tuning.DefaultOptions()
	opts.Force = cfg.Force
	opts.Log = log

	points := tuning.SweepRho(context.Background(), sens, rhoGrid, opts)

	fmt.Printf("model: %s, period: %d\n", cfg.Model, cfg.Period)
	fmt.Printf("min eigenvalue before: %+.6e\n\n", before)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RHO\tMIN EIG\tDISTORTION\tSTATUS")
	for _, pt := range points {
		if pt.Err != nil {
			fmt.Fprintf(w, "%.2e\t\t\t%v\n", pt.Rho, pt.Err)
			continue
		}
		fmt.Fprintf(w, "%.2e\t%+.6e\t%.6e\tok\n", pt.Rho, pt.Tuning.MinEig(), pt.Distortion)
	}
	w.Flush()

	best, ok := tuning.BestRho(points)
	if !ok {
		return fmt.Errorf("no feasible regularization in the grid")
	}
	fmt.Printf("\nbest rho: %.2e (distortion %.6e)\n", best.Rho, best.Distortion)
	return nil
}

func compareControllers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args[0])
	if err != nil {
		return err
	}
	log := logger.NewText(logLevel, os.Stderr)

	tn, err := setupTuner(cfg, log)
	if err != nil {
		return err
	}
	controllers, err := buildControllers(cfg, tn, cfg.Controllers)
	if err != nil {
		return err
	}

	runner := closedloop.NewRunner(tn.Discretizer(), tn.Orbit(), log)
	res, err := runner.RunComparison(context.Background(), controllers, initState(cfg, tn), cfg.Disturbances, cfg.Nsim)
	if err != nil {
		return err
	}

	printLaneMetrics(res)
	fmt.Println()
	fmt.Println(viz.PlotCostDeviation(res))
	fmt.Println()
	fmt.Println(viz.PlotState(res, 0, firstStateLabel(cfg.Model)))
	fmt.Println()
	fmt.Println(viz.PlotControl(res, 0, "first control input"))

	st := store.New(dataDir)
	if err := st.Init(); err != nil {
		return err
	}
	runID, err := st.SaveComparison(cfg.Model, cfg.Period, cfg.Horizon, cfg.Seed, res)
	if err != nil {
		return err
	}
	fmt.Printf("\nrun id: %s (saved under %s)\n", runID, st.Dir(runID))
	return nil
}

func equivalenceSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args[0])
	if err != nil {
		return err
	}
	if len(cfg.Alphas) == 0 || len(cfg.Direction) == 0 {
		return fmt.Errorf("config has no alphas/direction for the equivalence sweep")
	}
	log := logger.NewText(logLevel, os.Stderr)

	tn, err := setupTuner(cfg, log)
	if err != nil {
		return err
	}
	controllers, err := buildControllers(cfg, tn, cfg.Controllers)
	if err != nil {
		return err
	}

	runner := closedloop.NewRunner(tn.Discretizer(), tn.Orbit(), log)
	points, err := runner.CheckEquivalence(context.Background(), controllers, cfg.Direction, cfg.Alphas)
	if err != nil {
		return err
	}

	ref := mpc.VariantEconomic
	others := make([]string, 0, len(cfg.Controllers))
	for _, name := range cfg.Controllers {
		if name != ref {
			others = append(others, name)
		}
	}

	fmt.Println(viz.EquivalenceTable(points, ref, others))
	for _, other := range others {
		fmt.Println(viz.PlotEquivalence(points, ref, other))
		fmt.Println()
	}
	return nil
}

func runSingle(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args[0])
	if err != nil {
		return err
	}
	log := logger.NewText(logLevel, os.Stderr)

	tn, err := setupTuner(cfg, log)
	if err != nil {
		return err
	}
	controllers, err := buildControllers(cfg, tn, []string{controllerName})
	if err != nil {
		return err
	}

	runner := closedloop.NewRunner(tn.Discretizer(), tn.Orbit(), log)
	res, err := runner.RunComparison(context.Background(), controllers, initState(cfg, tn), cfg.Disturbances, cfg.Nsim)
	if err != nil {
		return err
	}

	printLaneMetrics(res)
	fmt.Println()
	fmt.Println(viz.PlotCostDeviation(res))

	st := store.New(dataDir)
	if err := st.Init(); err != nil {
		return err
	}
	runID, err := st.SaveComparison(cfg.Model, cfg.Period, cfg.Horizon, cfg.Seed, res)
	if err != nil {
		return err
	}
	fmt.Printf("\nrun id: %s (saved under %s)\n", runID, st.Dir(runID))
	return nil
}

func runLive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args[0])
	if err != nil {
		return err
	}
	log := logger.New(logLevel, os.Stderr)

	tn, err := setupTuner(cfg, log)
	if err != nil {
		return err
	}
	controllers, err := buildControllers(cfg, tn, cfg.Controllers)
	if err != nil {
		return err
	}

	m := viz.NewLive(cfg.Model, tn.Discretizer(), tn.Orbit(), controllers, initState(cfg, tn), cfg.Disturbances, cfg.Nsim)
	return viz.Run(m)
}

func listRuns(cmd *cobra.Command, args []string) error {
	st := store.New(dataDir)
	runs, err := st.List()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tTIME\tPERIOD\tHORIZON\tSTEPS\tLANES")
	for _, run := range runs {
		lanes := ""
		for i, lane := range run.Lanes {
			if i > 0 {
				lanes += ","
			}
			lanes += lane.Name
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			run.ID,
			run.Model,
			run.Timestamp.Format("2006-01-02 15:04:05"),
			run.Period,
			run.Horizon,
			run.Steps,
			lanes,
		)
	}
	return w.Flush()
}

// loadResult rebuilds a comparison result from a saved run.
func loadResult(st *store.Store, runID string) (*store.RunMetadata, *closedloop.Result, error) {
	meta, err := st.Load(runID)
	if err != nil {
		return nil, nil, err
	}

	res := &closedloop.Result{Steps: meta.Steps, Dt: meta.Dt}
	for _, lm := range meta.Lanes {
		_, states, costDev, err := st.LoadLane(runID, lm.Name)
		if err != nil {
			return nil, nil, err
		}
		lane := &closedloop.Lane{Name: lm.Name, CostDev: costDev, Metrics: lm.Metrics, FailStep: -1}
		for _, x := range states {
			lane.States = append(lane.States, plant.State(x))
		}
		res.Lanes = append(res.Lanes, lane)
	}
	return meta, res, nil
}

func plotRun(cmd *cobra.Command, args []string) error {
	meta, res, err := loadResult(store.New(dataDir), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("run: %s\nmodel: %s\nsteps: %d\n\n", meta.ID, meta.Model, meta.Steps)
	fmt.Println(viz.PlotCostDeviation(res))
	fmt.Println()
	fmt.Println(viz.PlotState(res, 0, firstStateLabel(meta.Model)))
	return nil
}

func exportSVG(cmd *cobra.Command, args []string) error {
	meta, res, err := loadResult(store.New(dataDir), args[0])
	if err != nil {
		return err
	}

	var svg string
	if svgState >= 0 {
		svg = viz.SVGState(res, svgState, fmt.Sprintf("x[%d]", svgState), 800, 400)
	} else {
		svg = viz.SVGCostDeviation(res, 800, 400)
	}
	if svg == "" {
		return fmt.Errorf("run %s has no plottable data", meta.ID)
	}
	_, err = fmt.Print(svg)
	return err
}

func printLaneMetrics(res *closedloop.Result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONTROLLER\tSTEPS\tSTAGE COST DEV\tCONTROL EFFORT\tVIOLATION\tSTATUS")
	for _, lane := range res.Lanes {
		status := "ok"
		if lane.Err != nil {
			status = fmt.Sprintf("failed at %d: %v", lane.FailStep, lane.Err)
		}
		fmt.Fprintf(w, "%s\t%d\t%.6e\t%.6e\t%.6e\t%s\n",
			lane.Name,
			len(lane.Controls),
			lane.Metrics["stage_cost_deviation"],
			lane.Metrics["control_effort"],
			lane.Metrics["constraint_violation"],
			status,
		)
	}
	w.Flush()
}

// rawMinEig is the worst eigenvalue across the unmodified Lagrangian
// Hessians, the quantity convexification repairs.
func rawMinEig(sens *ocp.Sensitivities) float64 {
	worst := math.Inf(1)
	for k := 0; k < sens.Period; k++ {
		H := linalg.BuildHessian(sens.Q[k], sens.R[k], sens.N[k])
		if e := linalg.MinEig(H); e < worst {
			worst = e
		}
	}
	return worst
}

func varNames(sys plant.System) ([]string, []string) {
	if l, ok := sys.(plant.Labeled); ok {
		return l.StateNames(), l.ControlNames()
	}
	states := make([]string, sys.StateDim())
	for i := range states {
		states[i] = fmt.Sprintf("x%d", i)
	}
	controls := make([]string, sys.ControlDim())
	for i := range controls {
		controls[i] = fmt.Sprintf("u%d", i)
	}
	return states, controls
}

func firstStateLabel(model string) string {
	sys, err := getModel(model)
	if err != nil {
		return "x0"
	}
	names, _ := varNames(sys)
	if len(names) > 0 {
		return names[0]
	}
	return "x0"
}
