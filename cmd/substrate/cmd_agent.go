package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/lazyplatypus/coord-substrate/pkg/agent"
)

func (a *app) cmdRegister(args []string) int {
	flags := flag.NewFlagSet("register", flag.ContinueOnError)
	program := flags.String("program", "", "calling program/tool name")
	model := flags.String("model", "", "model identifier")
	task := flags.String("task", "", "task description")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	name := ""
	if flags.NArg() > 0 {
		name = flags.Arg(0)
	}

	ag, err := a.project.Agents.Register(context.Background(), name, agent.RegisterOptions{
		Program: *program, Model: *model, TaskDescription: *task,
	})
	if err != nil {
		return reportErr(err, *jsonOut)
	}

	if *jsonOut {
		printJSON(ag)
	} else {
		fmt.Printf("registered agent %q\n", ag.Name)
		fmt.Fprintf(os.Stderr, "hint: export SUBSTRATE_AGENT=%s\n", ag.Name)
	}
	return 0
}

func (a *app) cmdHeartbeat(args []string) int {
	flags := flag.NewFlagSet("heartbeat", flag.ContinueOnError)
	agentFlag := flags.String("agent", "", "agent ID")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	agentID, err := a.resolveAgent(*agentFlag)
	if err != nil {
		fatal("%v", err)
	}

	ag, err := a.project.Agents.Heartbeat(context.Background(), agentID)
	if err != nil {
		return reportErr(err, *jsonOut)
	}

	if *jsonOut {
		printJSON(ag)
	} else {
		fmt.Printf("heartbeat ok for %q\n", ag.Name)
	}
	return 0
}

func (a *app) cmdAgents(args []string) int {
	flags := flag.NewFlagSet("agents", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	agents, err := a.project.Agents.List(context.Background())
	if err != nil {
		return reportErr(err, *jsonOut)
	}

	if *jsonOut {
		printJSON(agents)
	} else {
		for _, ag := range agents {
			fmt.Printf("%-20s program=%-12s model=%-20s last_active=%s\n",
				ag.Name, ag.Program, ag.Model, humanize.Time(ag.LastActiveAt))
		}
	}
	return 0
}
