// Command substrate coordinates concurrent AI agent sessions working on the
// same project: an append-only event log, a durable message bus with
// file-scoped reservations, a dependency-aware work-item graph, and a
// decay-weighted semantic memory store, all backed by a per-project SQLite
// database.
package main

import (
	"fmt"
	"os"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		printUsage()
		return
	case "--version", "-v", "version":
		fmt.Printf("substrate %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	a, err := newApp()
	if err != nil {
		fatal("%v", err)
	}
	defer a.Close()

	rest := os.Args[2:]
	switch os.Args[1] {
	// Agents
	case "register":
		os.Exit(a.cmdRegister(rest))
	case "heartbeat", "hb":
		os.Exit(a.cmdHeartbeat(rest))
	case "agents":
		os.Exit(a.cmdAgents(rest))

	// Mail
	case "send":
		os.Exit(a.cmdSend(rest))
	case "inbox":
		os.Exit(a.cmdInbox(rest))
	case "read":
		os.Exit(a.cmdReadMessage(rest))
	case "ack":
		os.Exit(a.cmdAck(rest))
	case "summarize-thread":
		os.Exit(a.cmdSummarizeThread(rest))

	// Reservations
	case "reserve":
		os.Exit(a.cmdReserve(rest))
	case "release":
		os.Exit(a.cmdRelease(rest))
	case "conflicts":
		os.Exit(a.cmdConflicts(rest))

	// Hive (work-item graph)
	case "cell-create":
		os.Exit(a.cmdCellCreate(rest))
	case "cell-update":
		os.Exit(a.cmdCellUpdate(rest))
	case "cell-close":
		os.Exit(a.cmdCellClose(rest))
	case "cell-reopen":
		os.Exit(a.cmdCellReopen(rest))
	case "cell-delete":
		os.Exit(a.cmdCellDelete(rest))
	case "cell-get":
		os.Exit(a.cmdCellGet(rest))
	case "cell-query":
		os.Exit(a.cmdCellQuery(rest))
	case "ready":
		os.Exit(a.cmdReady(rest))
	case "blocked":
		os.Exit(a.cmdBlocked(rest))
	case "stale":
		os.Exit(a.cmdStale(rest))
	case "statistics":
		os.Exit(a.cmdStatistics(rest))
	case "hive-export":
		os.Exit(a.cmdHiveExport(rest))
	case "hive-import":
		os.Exit(a.cmdHiveImport(rest))

	// Memory
	case "memory-store":
		os.Exit(a.cmdMemoryStore(rest))
	case "memory-find":
		os.Exit(a.cmdMemoryFind(rest))
	case "memory-get":
		os.Exit(a.cmdMemoryGet(rest))
	case "memory-remove":
		os.Exit(a.cmdMemoryRemove(rest))
	case "memory-list":
		os.Exit(a.cmdMemoryList(rest))
	case "memory-stats":
		os.Exit(a.cmdMemoryStats(rest))
	case "memory-validate":
		os.Exit(a.cmdMemoryValidate(rest))
	case "memory-upsert":
		os.Exit(a.cmdMemoryUpsert(rest))
	case "memory-supersede":
		os.Exit(a.cmdMemorySupersede(rest))
	case "memory-supersession-chain":
		os.Exit(a.cmdMemorySupersessionChain(rest))
	case "memory-linked":
		os.Exit(a.cmdMemoryLinked(rest))
	case "memory-find-by-entity":
		os.Exit(a.cmdMemoryFindByEntity(rest))
	case "memory-knowledge-graph":
		os.Exit(a.cmdMemoryKnowledgeGraph(rest))
	case "memory-valid-at":
		os.Exit(a.cmdMemoryValidAt(rest))
	case "memory-export":
		os.Exit(a.cmdMemoryExport(rest))
	case "memory-import":
		os.Exit(a.cmdMemoryImport(rest))

	// Event log
	case "log":
		os.Exit(a.cmdLog(rest))

	default:
		fmt.Fprintf(os.Stderr, "substrate: unknown command %q\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Run 'substrate --help' for usage.")
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`substrate — a coordination substrate for concurrent AI agent sessions

An append-only event log underlies everything else: a durable message bus
with file-scoped reservations, a dependency-aware work-item graph ("hive"),
and a decay-weighted semantic memory store.

Usage:
  substrate <command> [flags]

Agents:
  register [name]                  Register an agent (random name if omitted)
  heartbeat, hb                    Touch an agent's liveness timestamp
  agents                           List known agents

Mail:
  send <to> <body>                 Send a message (to: comma-separated agent names)
  inbox                            List unread/recent messages
  read <id>                        Read and mark a message seen
  ack <id>                         Acknowledge a message requiring ack
  summarize-thread <thread_id>     Summarize a message thread

Reservations:
  reserve <glob[,glob...]>         Reserve files (exclusive by default)
  release <reservation_id>         Release a reservation
  conflicts <glob[,glob...]>        Show current holders of matching paths

Hive (work-item graph):
  cell-create <title>              Create a work item
  cell-update <id>                 Update a work item
  cell-close <id>                  Close a work item
  cell-reopen <id>                 Reopen a closed work item
  cell-delete <id>                 Tombstone a work item
  cell-get <id>                    Show one work item
  cell-query                       List work items by filter
  ready                            List unblocked, unreserved work items
  blocked                          List blocked work items with blockers
  stale [--days N]                 List work items untouched for N+ days
  statistics                       Show aggregate hive statistics
  hive-export [--out FILE]         Export all cells as JSONL (default: stdout)
  hive-import --theirs F [--base B]  Three-way merge an incoming cell JSONL file

Memory:
  memory-store <content>           Store a memory
  memory-find <query>              Decay-weighted semantic/FTS search
  memory-get <id>                  Fetch one memory
  memory-remove <id>               Delete a memory
  memory-list                      List memories in a collection
  memory-stats                     Per-collection counts
  memory-validate <id>             Reset a memory's created_at (bump freshness)
  memory-upsert <content>          Smart ADD/UPDATE/DELETE/NOOP classification
  memory-supersede <old> <new>     Mark old as superseded by new
  memory-supersession-chain <id>   Walk a memory's supersession chain
  memory-linked <id>                Show memories linked to one memory
  memory-find-by-entity <name>     Find memories mentioning an entity
  memory-knowledge-graph <id>       Show entities/relationships for a memory
  memory-valid-at [--at TS]        List memories valid at a point in time
  memory-export                    Export all memories as JSONL to stdout
  memory-import                    Import memories from JSONL on stdin

Event log:
  log [--since N] [--types T]      Query the append-only event log

Environment:
  SUBSTRATE_PROJECT       Project key / working directory (default: cwd)
  SUBSTRATE_AGENT         Default agent ID (avoids passing --agent every time)
  STATE_DIR               Root directory for per-project SQLite state
  EMBEDDER_URL            Embedding service base URL (enables vector search)
  EMBEDDER_MODEL          Embedding model name (sets default dimension)
  EMBED_DIM               Explicit embedding dimension override
  RATE_LIMIT_DISABLED     Disable per-agent rate limiting ("true" to disable)
  RESERVATION_SWEEP_INTERVAL_MS  Background reservation-sweep period
  HIVE_TOMBSTONE_TTL_DAYS Days a tombstoned cell is still exported and wins sync merges

All commands support --json for machine-readable output.

Exit codes:
  0  success
  1  error
  2  conflict (reservation held, rate limited)
`)
}
