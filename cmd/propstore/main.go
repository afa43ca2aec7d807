// Copyright The OPAL Project Developers. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"fmt"
	"go/build"
	"os"
	"sort"

	"golang.org/x/tools/go/buildutil"
	"golang.org/x/tools/go/callgraph"
	"golang.org/x/tools/go/callgraph/cha"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/roterEmil/opal-sub001/analysis"
	"github.com/roterEmil/opal-sub001/analysis/config"
	"github.com/roterEmil/opal-sub001/analysis/fixpoint"
	"github.com/roterEmil/opal-sub001/analysis/properties"
	"github.com/roterEmil/opal-sub001/analysis/reachable"
	"github.com/roterEmil/opal-sub001/internal/formatutil"
)

// flags
var (
	configFilename = ""
	engineFlag     = ""
	verbose        = false
	dotFilename    = ""
	mode           = ssa.InstantiateGenerics
)

func init() {
	flag.StringVar(&configFilename, "config", "", "configuration file")
	flag.StringVar(&engineFlag, "engine", "",
		"property store engine: sequential, parallel or both (overrides config)")
	flag.BoolVar(&verbose, "v", false, "verbose output")
	flag.StringVar(&dotFilename, "dot", "",
		"write the dependency graph at quiescence to this file (overrides config)")
	flag.Var(&mode, "build", ssa.BuilderModeDoc)
	flag.Var((*buildutil.TagsFlag)(&build.Default.BuildTags), "tags", buildutil.TagsFlagDoc)
}

const usage = `Compute transitive callee sets with the property store.

Usage:
  propstore package...
  propstore source.go

Use the -help flag to display the options.

Examples:
% propstore -engine both hello.go
`

func main() {
	if err := doMain(); err != nil {
		fmt.Fprintf(os.Stderr, "propstore: %s\n", err)
		os.Exit(1)
	}
}

func doMain() error {
	flag.Parse()

	if len(flag.Args()) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	var cfg *config.Config
	if configFilename == "" {
		cfg = config.NewDefault()
	} else {
		cfg, err = config.Load(configFilename)
		if err != nil {
			return fmt.Errorf("failed to load config %s: %s", configFilename, err)
		}
	}
	if engineFlag != "" {
		cfg.Engine = engineFlag
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if verbose {
		cfg.LogLevel = int(config.DebugLevel)
	}
	if dotFilename != "" {
		cfg.DotOutput = dotFilename
	}

	fmt.Fprintf(os.Stderr, formatutil.Faint("Reading sources")+"\n")
	program, err := analysis.LoadProgram(nil, "", mode, flag.Args())
	if err != nil {
		return fmt.Errorf("failed to load program: %s", err)
	}

	fmt.Fprintf(os.Stderr, formatutil.Faint("Building call graph")+"\n")
	cg := cha.CallGraph(program.Program)

	funcs := make([]*ssa.Function, 0)
	for f := range ssautil.AllFunctions(program.Program) {
		if f.Pkg != nil && f.Synthetic == "" {
			funcs = append(funcs, f)
		}
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].String() < funcs[j].String() })

	switch cfg.Engine {
	case config.EngineBoth:
		seq, err := runEngine(cfg, config.EngineSequential, cg, funcs)
		if err != nil {
			return err
		}
		par, err := runEngine(cfg, config.EngineParallel, cg, funcs)
		if err != nil {
			return err
		}
		return compareResults(funcs, seq, par)
	default:
		results, err := runEngine(cfg, cfg.Engine, cg, funcs)
		if err != nil {
			return err
		}
		printResults(funcs, results)
		return nil
	}
}

// runEngine drives one full phase on a fresh store and returns the final
// callee sets of all demanded functions.
func runEngine(cfg *config.Config, engine string, cg *callgraph.Graph,
	funcs []*ssa.Function) (map[*ssa.Function]*reachable.CalleeSet, error) {

	logger := config.NewLogGroup(cfg)
	ctx := fixpoint.NewContext(logger)

	var store fixpoint.Store
	switch engine {
	case config.EngineSequential:
		store = fixpoint.NewSequentialStore(ctx)
	case config.EngineParallel:
		store = fixpoint.NewParallelStore(ctx, cfg.NumWorkers)
	default:
		return nil, fmt.Errorf("unknown engine %q", engine)
	}

	a := reachable.New(store, cg)
	store.SetupPhase([]properties.PropertyKey{a.Key()}, nil)
	a.Demand(funcs...)

	fmt.Fprintf(os.Stderr, formatutil.Faint("Running "+engine+" engine")+"\n")
	if err := store.WaitOnPhaseCompletion(); err != nil {
		return nil, err
	}

	if cfg.DotOutput != "" {
		if g := store.QuiescenceGraph(); g != nil {
			b, err := g.DOT()
			if err != nil {
				return nil, fmt.Errorf("failed to render dependency graph: %s", err)
			}
			name := cfg.DotOutput
			if engine == config.EngineParallel {
				name = name + ".parallel"
			}
			if err := os.WriteFile(name, b, 0600); err != nil {
				return nil, fmt.Errorf("failed to write %s: %s", name, err)
			}
		}
	}

	stats := store.Statistics()
	logger.Infof("%s engine: %d tasks, %d updates, %d fallbacks, %d cycles resolved",
		engine, stats.TasksExecuted, stats.Updates, stats.FallbacksUsed, stats.CyclesResolved)

	results := make(map[*ssa.Function]*reachable.CalleeSet, len(funcs))
	for _, f := range funcs {
		set := a.Callees(f)
		if set == nil {
			return nil, fmt.Errorf("no final callee set for %s", f.String())
		}
		results[f] = set
	}
	return results, nil
}

func printResults(funcs []*ssa.Function, results map[*ssa.Function]*reachable.CalleeSet) {
	for _, f := range funcs {
		set := results[f]
		fmt.Printf("%s %s\n", formatutil.Bold(f.String()),
			formatutil.Faint(fmt.Sprintf("(%d transitive callees)", set.Size())))
		for _, name := range set.Names() {
			fmt.Printf("  %s\n", name)
		}
	}
}

// compareResults checks that both engines computed identical callee sets.
func compareResults(funcs []*ssa.Function, seq, par map[*ssa.Function]*reachable.CalleeSet) error {
	mismatches := 0
	for _, f := range funcs {
		s, p := seq[f], par[f]
		if s.Size() != p.Size() || s.CheckIsEqualOrBetterThan(p) != nil {
			fmt.Printf("%s %s: sequential=%d parallel=%d\n",
				formatutil.Red("MISMATCH"), f.String(), s.Size(), p.Size())
			mismatches++
		}
	}
	if mismatches > 0 {
		return fmt.Errorf("engines disagree on %d of %d functions", mismatches, len(funcs))
	}
	fmt.Printf("%s both engines agree on %d functions\n",
		formatutil.Green("OK"), len(funcs))
	printResults(funcs, seq)
	return nil
}
