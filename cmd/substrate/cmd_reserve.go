package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"
)

func (a *app) cmdReserve(args []string) int {
	flags := flag.NewFlagSet("reserve", flag.ContinueOnError)
	agentFlag := flags.String("agent", "", "agent ID")
	exclusive := flags.Bool("exclusive", true, "exclusive (vs. shared) reservation")
	reason := flags.String("reason", "", "reason for the reservation")
	ttl := flags.Duration("ttl", 10*time.Minute, "reservation lifetime")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate reserve <pattern[,pattern...]> [--exclusive] [--ttl 10m] [--agent ID]")
		return 1
	}

	agentID, err := a.resolveAgent(*agentFlag)
	if err != nil {
		fatal("%v", err)
	}

	patterns := strings.Split(flags.Arg(0), ",")
	for i := range patterns {
		patterns[i] = strings.TrimSpace(patterns[i])
	}

	result, err := a.project.Mail.Reserve(context.Background(), agentID, patterns, *exclusive, *reason, *ttl)
	if err != nil {
		return reportErr(err, *jsonOut)
	}

	if *jsonOut {
		printJSON(result)
	} else if len(result.Conflicts) > 0 {
		for _, c := range result.Conflicts {
			fmt.Printf("conflict: %s held by %s\n", c.Path, strings.Join(c.Holders, ","))
		}
		return 2
	} else {
		for _, r := range result.Granted {
			fmt.Printf("granted %s (expires %s)\n", r.ID, r.ExpiresAt.Format(time.RFC3339))
		}
	}
	return 0
}

func (a *app) cmdRelease(args []string) int {
	flags := flag.NewFlagSet("release", flag.ContinueOnError)
	agentFlag := flags.String("agent", "", "agent ID")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate release <reservation_id> [--agent ID]")
		return 1
	}

	agentID, err := a.resolveAgent(*agentFlag)
	if err != nil {
		fatal("%v", err)
	}

	if err := a.project.Mail.Release(context.Background(), agentID, flags.Arg(0)); err != nil {
		return reportErr(err, *jsonOut)
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"released": flags.Arg(0)})
	} else {
		fmt.Printf("released %s\n", flags.Arg(0))
	}
	return 0
}

func (a *app) cmdConflicts(args []string) int {
	flags := flag.NewFlagSet("conflicts", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate conflicts <pattern[,pattern...]>")
		return 1
	}

	patterns := strings.Split(flags.Arg(0), ",")
	for i := range patterns {
		patterns[i] = strings.TrimSpace(patterns[i])
	}

	conflicts, err := a.project.Mail.ConflictsFor(context.Background(), patterns)
	if err != nil {
		return reportErr(err, *jsonOut)
	}

	if *jsonOut {
		printJSON(conflicts)
	} else {
		for _, c := range conflicts {
			fmt.Printf("%s held by %s\n", c.Path, strings.Join(c.Holders, ","))
		}
	}
	return 0
}
