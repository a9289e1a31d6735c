package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

func (a *app) cmdHiveExport(args []string) int {
	flags := flag.NewFlagSet("hive-export", flag.ContinueOnError)
	out := flags.String("out", "", "output file (default: stdout)")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return reportErr(err, false)
		}
		defer f.Close()
		w = f
	}
	if err := a.project.Hive.ExportJSONL(context.Background(), w); err != nil {
		return reportErr(err, false)
	}
	return 0
}

func (a *app) cmdHiveImport(args []string) int {
	flags := flag.NewFlagSet("hive-import", flag.ContinueOnError)
	base := flags.String("base", "", "base JSONL file for a three-way merge (omit for a two-way merge)")
	theirs := flags.String("theirs", "", "incoming JSONL file to merge in")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if *theirs == "" {
		fmt.Println("usage: substrate hive-import --theirs <file> [--base <file>]")
		return 1
	}

	var baseReader io.Reader
	if *base != "" {
		f, err := os.Open(*base)
		if err != nil {
			return reportErr(err, false)
		}
		defer f.Close()
		baseReader = f
	}

	var oursBuf strings.Builder
	if err := a.project.Hive.ExportJSONL(context.Background(), &oursBuf); err != nil {
		return reportErr(err, false)
	}

	theirsF, err := os.Open(*theirs)
	if err != nil {
		return reportErr(err, false)
	}
	defer theirsF.Close()

	if err := a.project.Hive.MergeJSONL(context.Background(), baseReader, strings.NewReader(oursBuf.String()), theirsF); err != nil {
		return reportErr(err, false)
	}
	fmt.Println("hive merge applied")
	return 0
}

func (a *app) cmdLog(args []string) int {
	flags := flag.NewFlagSet("log", flag.ContinueOnError)
	since := flags.Int64("since", 0, "only events with sequence > since")
	until := flags.Int64("until", 0, "only events with sequence <= until (0 = unbounded)")
	types := flags.String("types", "", "comma-separated event types to include")
	limit := flags.Int("limit", 100, "max events")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	var typeList []model.EventType
	for _, t := range splitNonEmpty(*types) {
		typeList = append(typeList, model.EventType(t))
	}

	events, err := a.project.Events.Read(context.Background(), model.ReadFilter{
		SinceSequence: *since, UntilSequence: *until, Types: typeList, Limit: *limit,
	})
	if err != nil {
		return reportErr(err, *jsonOut)
	}

	if *jsonOut {
		printJSON(events)
	} else {
		for _, e := range events {
			fmt.Printf("#%d %s %s %s\n", e.Sequence, e.Timestamp.Format("2006-01-02T15:04:05Z"),
				e.Type, strings.TrimSpace(string(e.Data)))
		}
	}
	return 0
}
