package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/lazyplatypus/coord-substrate/pkg/memory"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

func (a *app) cmdMemoryStore(args []string) int {
	flags := flag.NewFlagSet("memory-store", flag.ContinueOnError)
	collection := flags.String("collection", "default", "memory collection")
	confidence := flags.Float64("confidence", 0.7, "confidence 0..1")
	autoTag := flags.Bool("auto-tag", false, "generate tags via analyzer")
	autoLink := flags.Bool("auto-link", false, "link to similar memories")
	extractEntities := flags.Bool("extract-entities", false, "extract entities/relationships via analyzer")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate memory-store <content...> [--collection C] [--confidence F] [--auto-tag] [--auto-link] [--extract-entities]")
		return 1
	}

	content := strings.Join(flags.Args(), " ")
	result, err := a.project.Memory.Store(context.Background(), content, model.StoreOptions{
		Collection: *collection, Confidence: *confidence, AutoTag: *autoTag,
		AutoLink: *autoLink, ExtractEntities: *extractEntities,
	})
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(result)
	} else {
		fmt.Printf("stored %s\n", result.ID)
	}
	return 0
}

func (a *app) cmdMemoryFind(args []string) int {
	flags := flag.NewFlagSet("memory-find", flag.ContinueOnError)
	collection := flags.String("collection", "", "restrict to a collection")
	limit := flags.Int("limit", 10, "max results")
	expand := flags.Bool("expand", false, "return full content, not truncated")
	fts := flags.Bool("fts", false, "force full-text search")
	decayTier := flags.String("decay-tier", "all", "hot|warm|all")
	trackAccess := flags.Bool("track-access", false, "bump access_count/last_accessed")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate memory-find <query...> [--collection C] [--limit N] [--expand] [--fts] [--decay-tier T]")
		return 1
	}

	query := strings.Join(flags.Args(), " ")
	results, err := a.project.Memory.Find(context.Background(), query, model.FindOptions{
		Limit: *limit, Collection: *collection, Expand: *expand, FTS: *fts,
		DecayTier: model.DecayTier(*decayTier), TrackAccess: *trackAccess,
	})
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(results)
	} else {
		for _, r := range results {
			warn := ""
			if r.Degraded {
				warn = " (degraded: FTS fallback)"
			}
			fmt.Printf("[%.3f] %s: %s%s\n", r.Score, r.Memory.ID, r.Memory.Content, warn)
		}
	}
	return 0
}

func (a *app) cmdMemoryGet(args []string) int {
	flags := flag.NewFlagSet("memory-get", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate memory-get <id>")
		return 1
	}
	mem, err := a.project.Memory.Get(context.Background(), flags.Arg(0))
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(mem)
	} else {
		fmt.Printf("%s [%s]: %s\n", mem.ID, mem.Collection, mem.Content)
	}
	return 0
}

func (a *app) cmdMemoryRemove(args []string) int {
	flags := flag.NewFlagSet("memory-remove", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate memory-remove <id>")
		return 1
	}
	if err := a.project.Memory.Remove(context.Background(), flags.Arg(0)); err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(map[string]interface{}{"removed": flags.Arg(0)})
	} else {
		fmt.Printf("removed %s\n", flags.Arg(0))
	}
	return 0
}

func (a *app) cmdMemoryList(args []string) int {
	flags := flag.NewFlagSet("memory-list", flag.ContinueOnError)
	collection := flags.String("collection", "", "restrict to a collection")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	memories, err := a.project.Memory.List(context.Background(), *collection)
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(memories)
	} else {
		for _, mem := range memories {
			fmt.Printf("%s [%s] (%s): %.80s\n", mem.ID, mem.Collection, humanize.Time(mem.CreatedAt), mem.Content)
		}
	}
	return 0
}

func (a *app) cmdMemoryStats(args []string) int {
	flags := flag.NewFlagSet("memory-stats", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	stats, err := a.project.Memory.Stats(context.Background())
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(stats)
	} else {
		for collection, count := range stats {
			fmt.Printf("%s: %d\n", collection, count)
		}
	}
	return 0
}

func (a *app) cmdMemoryValidate(args []string) int {
	flags := flag.NewFlagSet("memory-validate", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate memory-validate <id>")
		return 1
	}
	if err := a.project.Memory.Validate(context.Background(), flags.Arg(0)); err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(map[string]interface{}{"validated": flags.Arg(0)})
	} else {
		fmt.Printf("validated %s\n", flags.Arg(0))
	}
	return 0
}

func (a *app) cmdMemoryUpsert(args []string) int {
	flags := flag.NewFlagSet("memory-upsert", flag.ContinueOnError)
	collection := flags.String("collection", "default", "memory collection")
	confidence := flags.Float64("confidence", 0.7, "confidence 0..1")
	smartOps := flags.Bool("smart-ops", true, "use the Analyzer for ADD/UPDATE/DELETE/NOOP classification")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate memory-upsert <content...> [--collection C] [--confidence F] [--smart-ops=false]")
		return 1
	}

	content := strings.Join(flags.Args(), " ")
	result, err := a.project.Memory.Upsert(context.Background(), content, model.UpsertOptions{
		Collection: *collection, Confidence: *confidence, UseSmartOps: *smartOps,
	})
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(result)
	} else {
		fmt.Printf("%s %s (%s)\n", result.Operation, result.ID, result.Reason)
	}
	return 0
}

func (a *app) cmdMemorySupersede(args []string) int {
	flags := flag.NewFlagSet("memory-supersede", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 2 {
		fmt.Println("usage: substrate memory-supersede <old_id> <new_id>")
		return 1
	}
	if err := a.project.Memory.Supersede(context.Background(), flags.Arg(0), flags.Arg(1)); err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(map[string]interface{}{"old": flags.Arg(0), "new": flags.Arg(1)})
	} else {
		fmt.Printf("%s superseded by %s\n", flags.Arg(0), flags.Arg(1))
	}
	return 0
}

func (a *app) cmdMemorySupersessionChain(args []string) int {
	flags := flag.NewFlagSet("memory-supersession-chain", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate memory-supersession-chain <id>")
		return 1
	}
	chain, err := a.project.Memory.GetSupersessionChain(context.Background(), flags.Arg(0))
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(chain)
	} else {
		for _, mem := range chain {
			fmt.Printf("%s: %.60s\n", mem.ID, mem.Content)
		}
	}
	return 0
}

func (a *app) cmdMemoryLinked(args []string) int {
	flags := flag.NewFlagSet("memory-linked", flag.ContinueOnError)
	linkType := flags.String("link-type", "", "restrict to a link type")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate memory-linked <id> [--link-type T]")
		return 1
	}
	links, err := a.project.Memory.GetLinkedMemories(context.Background(), flags.Arg(0), *linkType)
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(links)
	} else {
		for _, l := range links {
			fmt.Printf("%s -%s(%.2f)-> %s\n", l.Source, l.LinkType, l.Strength, l.Target)
		}
	}
	return 0
}

func (a *app) cmdMemoryFindByEntity(args []string) int {
	flags := flag.NewFlagSet("memory-find-by-entity", flag.ContinueOnError)
	entityType := flags.String("entity-type", "", "restrict to an entity type")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate memory-find-by-entity <name> [--entity-type T]")
		return 1
	}
	memories, err := a.project.Memory.FindByEntity(context.Background(), flags.Arg(0), *entityType)
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(memories)
	} else {
		for _, mem := range memories {
			fmt.Printf("%s: %.60s\n", mem.ID, mem.Content)
		}
	}
	return 0
}

func (a *app) cmdMemoryKnowledgeGraph(args []string) int {
	flags := flag.NewFlagSet("memory-knowledge-graph", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate memory-knowledge-graph <memory_id>")
		return 1
	}
	kg, err := a.project.Memory.GetKnowledgeGraph(context.Background(), flags.Arg(0))
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(kg)
	} else {
		for _, e := range kg.Entities {
			fmt.Printf("entity %s (%s)\n", e.Name, e.EntityType)
		}
		for _, r := range kg.Relationships {
			fmt.Printf("%s -%s-> %s\n", r.SubjectEntity, r.Predicate, r.ObjectEntity)
		}
	}
	return 0
}

func (a *app) cmdMemoryValidAt(args []string) int {
	flags := flag.NewFlagSet("memory-valid-at", flag.ContinueOnError)
	collection := flags.String("collection", "", "restrict to a collection")
	at := flags.String("at", "", "RFC3339 timestamp (default: now)")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	when := time.Now().UTC()
	if *at != "" {
		t, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			fatal("invalid --at timestamp: %v", err)
		}
		when = t
	}

	memories, err := a.project.Memory.FindValidAt(context.Background(), *collection, when)
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(memories)
	} else {
		for _, mem := range memories {
			fmt.Printf("%s: %.60s\n", mem.ID, mem.Content)
		}
	}
	return 0
}

func (a *app) cmdMemoryExport(args []string) int {
	flags := flag.NewFlagSet("memory-export", flag.ContinueOnError)
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if err := a.project.Memory.ExportJSONL(context.Background(), os.Stdout); err != nil {
		return reportErr(err, false)
	}
	return 0
}

func (a *app) cmdMemoryImport(args []string) int {
	flags := flag.NewFlagSet("memory-import", flag.ContinueOnError)
	strategy := flags.String("strategy", string(memory.ImportUpsert), "skip_existing|upsert")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	n, err := a.project.Memory.ImportJSONL(context.Background(), os.Stdin, memory.ImportStrategy(*strategy))
	if err != nil {
		return reportErr(err, *jsonOut)
	}
	if *jsonOut {
		printJSON(map[string]interface{}{"imported": n})
	} else {
		fmt.Printf("imported %d memories\n", n)
	}
	return 0
}
