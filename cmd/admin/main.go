package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"scripworld.ai/internal/persistence/agentstate"
	persistlog "scripworld.ai/internal/persistence/log"
	"scripworld.ai/internal/protocol"
)

const usage = `usage: admin <command> [flags]

commands:
  list                       list agents in the state store
  show <agent_id>            print an agent's state as JSON
  delete <agent_id>          remove an agent's state
  create <agent_id>          create an agent (--model, --prompt)
  events                     print archived world events (--dir, --type, --limit)
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "list":
		return listCmd(ctx, args[1:], stdout, stderr)
	case "show":
		return showCmd(ctx, args[1:], stdout, stderr)
	case "delete":
		return deleteCmd(ctx, args[1:], stdout, stderr)
	case "create":
		return createCmd(ctx, args[1:], stdout, stderr)
	case "events":
		return eventsCmd(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
}

func storeFlags(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	db := fs.String("db", "data/agents.sqlite", "agent state sqlite path")
	return fs, db
}

func openStore(path string) (*agentstate.SQLiteStore, error) {
	return agentstate.OpenSQLite(path, agentstate.Options{Retry: agentstate.DefaultRetryPolicy()})
}

// parse parses args and returns the single positional agent id when want is
// true.
func parse(fs *pflag.FlagSet, args []string, want bool, stderr io.Writer) (string, bool) {
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return "", false
	}
	if !want {
		return "", true
	}
	if fs.NArg() != 1 || strings.TrimSpace(fs.Arg(0)) == "" {
		fmt.Fprintf(stderr, "%s: expected exactly one agent_id\n", fs.Name())
		return "", false
	}
	return strings.TrimSpace(fs.Arg(0)), true
}

func listCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, db := storeFlags("list")
	if _, ok := parse(fs, args, false, stderr); !ok {
		return 2
	}
	store, err := openStore(*db)
	if err != nil {
		fmt.Fprintln(stderr, "open:", err)
		return 1
	}
	defer store.Close()

	ids, err := store.ListAgents(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "list:", err)
		return 1
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tMODEL\tCREATED\tLAST_ACTIVE\tTURNS")
	for _, id := range ids {
		st, ok, err := store.Load(ctx, id)
		if err != nil || !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", st.AgentID, st.Model, st.CreatedTick, st.LastActiveTick, len(st.TurnHistory))
	}
	_ = tw.Flush()
	return 0
}

func showCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, db := storeFlags("show")
	id, ok := parse(fs, args, true, stderr)
	if !ok {
		return 2
	}
	store, err := openStore(*db)
	if err != nil {
		fmt.Fprintln(stderr, "open:", err)
		return 1
	}
	defer store.Close()

	st, found, err := store.Load(ctx, id)
	if err != nil {
		fmt.Fprintln(stderr, "load:", err)
		return 1
	}
	if !found {
		fmt.Fprintf(stderr, "agent %s not found\n", id)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(st)
	return 0
}

func deleteCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, db := storeFlags("delete")
	id, ok := parse(fs, args, true, stderr)
	if !ok {
		return 2
	}
	store, err := openStore(*db)
	if err != nil {
		fmt.Fprintln(stderr, "open:", err)
		return 1
	}
	defer store.Close()

	deleted, err := store.Delete(ctx, id)
	if err != nil {
		fmt.Fprintln(stderr, "delete:", err)
		return 1
	}
	if !deleted {
		fmt.Fprintf(stderr, "agent %s not found\n", id)
		return 1
	}
	fmt.Fprintf(stdout, "deleted %s\n", id)
	return 0
}

func createCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, db := storeFlags("create")
	model := fs.String("model", "", "model name recorded for the agent")
	prompt := fs.String("prompt", "", "system prompt")
	id, ok := parse(fs, args, true, stderr)
	if !ok {
		return 2
	}
	if id == "system" {
		fmt.Fprintln(stderr, "create: system is reserved")
		return 2
	}
	store, err := openStore(*db)
	if err != nil {
		fmt.Fprintln(stderr, "open:", err)
		return 1
	}
	defer store.Close()

	if _, found, err := store.Load(ctx, id); err != nil {
		fmt.Fprintln(stderr, "load:", err)
		return 1
	} else if found {
		fmt.Fprintf(stderr, "agent %s already exists\n", id)
		return 1
	}
	st := &agentstate.State{
		AgentID:      id,
		Model:        *model,
		SystemPrompt: *prompt,
		ActionSchema: protocol.ActionSchema,
	}
	if err := store.Save(ctx, st); err != nil {
		fmt.Fprintln(stderr, "save:", err)
		return 1
	}
	fmt.Fprintf(stdout, "created %s\n", id)
	return 0
}

func eventsCmd(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("events", pflag.ContinueOnError)
	dir := fs.String("dir", "data/events", "event archive directory")
	typ := fs.String("type", "", "only events of this type")
	limit := fs.Int("limit", 0, "print at most the last N matching events (0 = all)")
	if _, ok := parse(fs, args, false, stderr); !ok {
		return 2
	}
	evs, err := persistlog.ReadEvents(*dir)
	if err != nil {
		fmt.Fprintln(stderr, "read events:", err)
		return 1
	}
	if *typ != "" {
		kept := evs[:0]
		for _, e := range evs {
			if e.Type == *typ {
				kept = append(kept, e)
			}
		}
		evs = kept
	}
	if *limit > 0 && len(evs) > *limit {
		evs = evs[len(evs)-*limit:]
	}
	enc := json.NewEncoder(stdout)
	for _, e := range evs {
		_ = enc.Encode(e)
	}
	return 0
}
