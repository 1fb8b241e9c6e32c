package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/dotsetgreg/memtier/pkg/memory"
)

// runRepl drives an interactive session: store, search, and steer the
// context without restarting the engine between commands.
func runRepl(ctx context.Context, mgr *memory.Manager) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "memtier> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".memtier_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("Interactive mode. Type 'help' for commands, Ctrl+C to exit.")

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("Goodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		if err := dispatchReplCommand(ctx, mgr, input); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

func dispatchReplCommand(ctx context.Context, mgr *memory.Manager, input string) error {
	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "help":
		replHelp()
		return nil

	case "add":
		if rest == "" {
			return fmt.Errorf("usage: add <content>")
		}
		id, err := mgr.AddMemory(ctx, memory.AddMemoryInput{Content: rest, Importance: 0.5})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Stored %s\n", id)
		return nil

	case "get":
		if rest == "" {
			return fmt.Errorf("usage: get <id>")
		}
		item, err := mgr.RetrieveMemory(ctx, rest)
		if err != nil {
			return err
		}
		return printJSON(item)

	case "search":
		if rest == "" {
			return fmt.Errorf("usage: search <query>")
		}
		results, err := mgr.SearchMemories(ctx, memory.SearchRequest{Query: rest, Limit: 10})
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, res := range results {
			line := res.Item.Summary
			if line == "" {
				line = res.Item.Content
			}
			fmt.Printf("  %.3f  [%s] %s  %s\n", res.Score, res.Item.Tier, res.Item.ID, line)
		}
		return nil

	case "context":
		if rest == "" {
			cs := mgr.CurrentContext()
			fmt.Printf("text: %q\ntopic: %q\ntags: %v\n", cs.Text, cs.Topic, cs.Tags)
			return nil
		}
		cs := mgr.CurrentContext()
		cs.Text = rest
		mgr.UpdateContext(cs)
		fmt.Println("✓ Context updated")
		return nil

	case "topic":
		cs := mgr.CurrentContext()
		cs.Topic = rest
		mgr.UpdateContext(cs)
		fmt.Println("✓ Topic updated")
		return nil

	case "tags":
		cs := mgr.CurrentContext()
		if rest == "" {
			cs.Tags = nil
		} else {
			cs.Tags = strings.Split(rest, ",")
			for i := range cs.Tags {
				cs.Tags[i] = strings.TrimSpace(cs.Tags[i])
			}
		}
		mgr.UpdateContext(cs)
		fmt.Println("✓ Context tags updated")
		return nil

	case "clear":
		mgr.ClearContext()
		fmt.Println("✓ Context cleared")
		return nil

	case "prompt":
		results, err := mgr.GetPromptContextMemories(ctx, 8, 120)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No context memories.")
			return nil
		}
		for _, res := range results {
			fmt.Printf("  %.3f  %s\n", res.Score, res.Item.Content)
		}
		return nil

	case "delete":
		if rest == "" {
			return fmt.Errorf("usage: delete <id>")
		}
		ok, err := mgr.DeleteMemory(ctx, rest)
		if err != nil {
			return err
		}
		if ok {
			fmt.Println("✓ Deleted")
		} else {
			fmt.Println("Not found.")
		}
		return nil

	case "stats":
		stats, err := mgr.GetSystemStats(ctx)
		if err != nil {
			return err
		}
		return printJSON(stats)

	case "maintain":
		report, err := mgr.RunMaintenance(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)

	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
}

func replHelp() {
	fmt.Println("Commands:")
	fmt.Println("  add <content>      Store a memory in STM")
	fmt.Println("  get <id>           Retrieve a memory (reinforces it)")
	fmt.Println("  delete <id>        Delete a memory")
	fmt.Println("  search <query>     Search by relevance")
	fmt.Println("  context [text]     Show or set the context text")
	fmt.Println("  topic <text>       Set the context topic")
	fmt.Println("  tags <a,b,c>       Set the context tags (empty clears)")
	fmt.Println("  clear              Clear the whole context")
	fmt.Println("  prompt             Show the working set for prompt assembly")
	fmt.Println("  stats              Engine health and per-tier counts")
	fmt.Println("  maintain           Run one maintenance pass")
	fmt.Println("  exit               Leave the session")
}
