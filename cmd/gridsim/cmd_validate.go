package main

import (
	"fmt"

	"github.com/signalsfoundry/gridsim/config"
	"github.com/signalsfoundry/gridsim/cosim"
	"github.com/signalsfoundry/gridsim/internal/logging"
	"github.com/signalsfoundry/gridsim/simulation"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Check a run description without running it",
	Long: "Loads the configuration, builds the topology, finalizes the system matrix,\n" +
		"preprocesses the solver, builds the task schedule and resolves every\n" +
		"interface binding.",
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}
	store, err := cfg.BuildTopology()
	if err != nil {
		return fmt.Errorf("build topology: %w", err)
	}
	sc, err := cfg.SimulationConfig()
	if err != nil {
		return err
	}
	sim := simulation.New(sc, store.Nodes(), store.Components())
	if err := sim.Initialize(cmd.Context()); err != nil {
		return err
	}
	if cfg.CosimEnabled() {
		if err := cfg.Bind(cosim.New(cfg.CosimConfig(), logging.Noop()), store); err != nil {
			return fmt.Errorf("interface bindings: %w", err)
		}
	}

	sys := sim.System()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: valid\n", args[0])
	fmt.Fprintf(out, "  nodes:            %d\n", sys.Dimension())
	fmt.Fprintf(out, "  components:       %d\n", len(store.Components()))
	fmt.Fprintf(out, "  nonzeros:         %d\n", sys.Matrix().NNZ())
	fmt.Fprintf(out, "  variable entries: %d\n", len(sys.VariablePositions()))
	fmt.Fprintf(out, "  tasks:            %d in %d levels\n", sim.Schedule().Len(), len(sim.Schedule().Levels()))
	fmt.Fprintf(out, "  exports/imports:  %d/%d\n", len(cfg.Exports), len(cfg.Imports))
	return nil
}
