package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kilroy-control/plane/internal/blockedreason"
	"github.com/kilroy-control/plane/internal/bt"
	"github.com/kilroy-control/plane/internal/cxdb"
	"github.com/kilroy-control/plane/internal/executor"
	"github.com/kilroy-control/plane/internal/leaf"
	"github.com/kilroy-control/plane/internal/leaves"
	"github.com/kilroy-control/plane/internal/obslog"
	"github.com/kilroy-control/plane/internal/reasoner"
	"github.com/kilroy-control/plane/internal/registry"
	"github.com/kilroy-control/plane/internal/server"
	"github.com/kilroy-control/plane/internal/task"
	"github.com/kilroy-control/plane/internal/worldapi"
)

const version = "0.1.0"

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--version", "-v", "version":
		fmt.Printf("plane %s\n", version)
		os.Exit(0)
	case "serve":
		serve(os.Args[2:])
	case "tick":
		tick()
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: plane <command>

commands:
  serve [addr]   start the control-plane HTTP server (default :8080)
  tick           run one executor tick against the simulated world and exit
  version        print version

environment:
  PLANNING_SERVICE_URL     planning service endpoint; in-memory stub when unset
  STERLING_INTENT_RESOLVE  1 enables expansion retry for new tasks
`)
}

// buildCore wires the process-wide stores: leaf registry with the builtin
// catalog, option registry, dynamic flow, task store, executor. The world
// binding is simulated unless a real actuator connection replaces it.
func buildCore() (server.Core, error) {
	sink := obslog.NewNDJSONSink(os.Stderr)

	world := worldapi.NewSimWorld()
	catalog := &leaves.Catalog{World: world}

	leafReg := leaf.NewRegistry()
	if err := catalog.RegisterAll(leafReg); err != nil {
		return server.Core{}, err
	}

	factory := bt.FactoryAdapter{Registry: leafReg}
	resolver := bt.ResolverAdapter{Registry: leafReg}
	options := registry.NewRegistry(leafReg, factory)

	var client reasoner.Client
	if url := os.Getenv("PLANNING_SERVICE_URL"); url != "" {
		client = reasoner.NewHTTPClient(url)
	} else {
		client = &reasoner.Stub{}
	}

	flow := registry.NewDynamicFlow(options, client)
	tasks := task.NewStore()
	reasons := blockedreason.NewRegistry()

	exec := executor.NewExecutor(tasks, reasons, resolver, client)
	exec.Log = obslog.New(sink, "executor")
	exec.Postconditions["equip_tool"] = catalog.EquipPostcondition
	exec.Postconditions["place_block"] = catalog.PlacePostcondition
	exec.Postconditions["dig_block"] = catalog.DigPostcondition

	flowLog := obslog.New(sink, "dynamicflow")
	exec.OnStepFailure = func(taskID, leafName, code string, nowMs int64) {
		imp := flow.CheckImpasse(taskID, nowMs)
		if !imp.IsImpasse {
			return
		}
		t := tasks.Get(taskID)
		in := reasoner.ProposalInput{
			TaskID:         taskID,
			CurrentTask:    t,
			RecentFailures: []reasoner.RecentFailure{{LeafName: leafName, Code: code}},
		}
		proposal, err := flow.RequestOptionProposal(context.Background(), taskID, in, nowMs)
		if err != nil {
			flowLog.Warn("proposal request failed", map[string]any{"task_id": taskID, "error": err.Error()})
			return
		}
		if proposal == nil {
			return
		}
		res := flow.RegisterProposedOption(proposal, "reasoner", nowMs)
		if !res.OK {
			flowLog.Warn("proposed option rejected", map[string]any{"task_id": taskID, "error": res.Error})
			return
		}
		flowLog.Info("proposed option registered in shadow", map[string]any{"task_id": taskID, "option_id": res.ID})
	}

	interp := bt.NewInterpreter(resolver, bt.NewConditionRegistry())

	// Golden-run reports go to the audit appender; in-memory here, a CXDB
	// client in a deployment that persists them.
	reports := &cxdb.ReportSink{Appender: &cxdb.MemoryAppender{}}

	return server.Core{
		Leaves:  leafReg,
		Options: options,
		Flow:    flow,
		Tasks:   tasks,
		Exec:    exec,
		Interp:  interp,
		Reasons: reasons,
		Reports: reports,
	}, nil
}

func serve(args []string) {
	addr := ":8080"
	if len(args) > 0 {
		addr = args[0]
	}
	core, err := buildCore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "plane: %v\n", err)
		os.Exit(1)
	}
	srv := server.New(server.Config{Addr: addr}, core)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "plane: %v\n", err)
		os.Exit(1)
	}
}

func tick() {
	core, err := buildCore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "plane: %v\n", err)
		os.Exit(1)
	}
	ctx, cleanup := signalCancelContext()
	defer cleanup()

	lctx := leaf.Bind(ctx, nil)
	res := core.Exec.Tick(ctx, lctx, lctx.Now())
	fmt.Printf("decision=%s task=%s leaf=%s failure=%s\n", res.Decision, res.TaskID, res.LeafName, res.FailureCode)
}
