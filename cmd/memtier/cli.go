package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/memtier/pkg/memory"
)

func executeCLI() error {
	root := buildRootCommand(true)
	return root.Execute()
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "memtier",
		Short: "Tiered memory engine with consolidation, decay, and relevance search",
		Long: strings.TrimSpace(`memtier manages memories across short, medium, and long term tiers.

Use CLI commands to store and retrieve memories, search by relevance against
the current context, link long-term memories, run maintenance passes, and
inspect engine health.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newAddCommand())
	root.AddCommand(newGetCommand())
	root.AddCommand(newSearchCommand())
	root.AddCommand(newLinkCommand())
	root.AddCommand(newRelatedCommand())
	root.AddCommand(newRecentCommand())
	root.AddCommand(newMaintainCommand())
	root.AddCommand(newStatsCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newReplCommand())
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

// withManager brackets a command body with engine startup and shutdown.
func withManager(fn func(ctx context.Context, mgr *memory.Manager) error) error {
	ctx := context.Background()
	mgr, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Shutdown() }()
	return fn(ctx, mgr)
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.memtier config and data directory",
		Example: "  memtier onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard()
		},
	}
}

func newAddCommand() *cobra.Command {
	var (
		summary     string
		importance  float64
		tags        []string
		tier        string
		contentType string
		ttl         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Store a new memory",
		Args:  cobra.ExactArgs(1),
		Example: strings.Join([]string{
			"  memtier add \"the deploy key rotates on Fridays\" --importance 0.8 --tags ops,deploy",
			"  memtier add \"scratch note\" --tier stm --ttl 30m",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, mgr *memory.Manager) error {
				id, err := mgr.AddMemory(ctx, memory.AddMemoryInput{
					Content:     args[0],
					Summary:     summary,
					Importance:  importance,
					Tags:        tags,
					ContentType: contentType,
					Tier:        memory.Tier(tier),
					TTL:         ttl,
				})
				if err != nil {
					return err
				}
				fmt.Printf("✓ Stored %s\n", id)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&summary, "summary", "s", "", "Short summary of the memory")
	cmd.Flags().Float64VarP(&importance, "importance", "i", 0.5, "Importance in [0,1]")
	cmd.Flags().StringSliceVarP(&tags, "tags", "t", nil, "Comma-separated tags")
	cmd.Flags().StringVar(&tier, "tier", "stm", "Initial tier (stm, mtm, ltm)")
	cmd.Flags().StringVar(&contentType, "type", "", "Content type label")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Per-item TTL, STM only (e.g. 30m)")

	return cmd
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "get <id>",
		Short:   "Retrieve one memory by id (reinforces it)",
		Args:    cobra.ExactArgs(1),
		Example: "  memtier get mem-0b2f7c",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, mgr *memory.Manager) error {
				item, err := mgr.RetrieveMemory(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(item)
			})
		},
	}
}

func newSearchCommand() *cobra.Command {
	var (
		tags         []string
		tiers        []string
		limit        int
		minRelevance float64
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memories by relevance across tiers",
		Args:  cobra.ExactArgs(1),
		Example: strings.Join([]string{
			"  memtier search \"deploy key\"",
			"  memtier search \"incident\" --tags ops --tier ltm --limit 5",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, mgr *memory.Manager) error {
				req := memory.SearchRequest{
					Query:        args[0],
					Tags:         tags,
					Limit:        limit,
					MinRelevance: minRelevance,
				}
				for _, t := range tiers {
					req.Tiers = append(req.Tiers, memory.Tier(t))
				}
				results, err := mgr.SearchMemories(ctx, req)
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
			})
		},
	}

	cmd.Flags().StringSliceVarP(&tags, "tags", "t", nil, "Require these tags")
	cmd.Flags().StringSliceVar(&tiers, "tier", nil, "Restrict to tiers (stm, mtm, ltm)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum results")
	cmd.Flags().Float64Var(&minRelevance, "min-relevance", 0, "Minimum relevance score in [0,1]")

	return cmd
}

func newLinkCommand() *cobra.Command {
	var (
		relType       string
		strength      float64
		bidirectional bool
	)

	cmd := &cobra.Command{
		Use:     "link <from_id> <to_id>",
		Short:   "Create a relationship between two long-term memories",
		Args:    cobra.ExactArgs(2),
		Example: "  memtier link mem-a mem-b --type causes --strength 0.9 --bidirectional",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, mgr *memory.Manager) error {
				if err := mgr.AddRelationship(ctx, args[0], args[1], relType, strength, bidirectional); err != nil {
					return err
				}
				fmt.Printf("✓ Linked %s -> %s (%s)\n", args[0], args[1], relType)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&relType, "type", "related", "Relationship type")
	cmd.Flags().Float64Var(&strength, "strength", 0.5, "Edge strength in [0,1]")
	cmd.Flags().BoolVar(&bidirectional, "bidirectional", false, "Also create the mirrored edge")

	return cmd
}

func newRelatedCommand() *cobra.Command {
	var (
		minStrength float64
		relType     string
	)

	cmd := &cobra.Command{
		Use:     "related <id>",
		Short:   "List memories related to the given one",
		Args:    cobra.ExactArgs(1),
		Example: "  memtier related mem-a --min-strength 0.3",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, mgr *memory.Manager) error {
				related, err := mgr.GetRelatedMemories(ctx, args[0], minStrength, relType)
				if err != nil {
					return err
				}
				if len(related) == 0 {
					fmt.Println("No related memories.")
					return nil
				}
				for _, rel := range related {
					line := rel.Item.Summary
					if line == "" {
						line = rel.Item.Content
					}
					fmt.Printf("  %.2f  %s  %s  %s\n", rel.Edge.Strength, rel.Edge.Type, rel.Item.ID, line)
				}
				return nil
			})
		},
	}

	cmd.Flags().Float64Var(&minStrength, "min-strength", 0, "Minimum edge strength")
	cmd.Flags().StringVar(&relType, "type", "", "Filter by relationship type")

	return cmd
}

func newRecentCommand() *cobra.Command {
	var (
		tier  string
		limit int
	)

	cmd := &cobra.Command{
		Use:     "recent",
		Short:   "List the newest memories in a tier",
		Example: "  memtier recent --tier stm --limit 20",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, mgr *memory.Manager) error {
				items, err := mgr.GetRecentMemories(ctx, memory.Tier(tier), limit)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Println("No memories.")
					return nil
				}
				for _, item := range items {
					created := time.UnixMilli(item.CreatedAtMS).Format("2006-01-02 15:04")
					line := item.Summary
					if line == "" {
						line = item.Content
					}
					fmt.Printf("  %s  %s  %s\n", created, item.ID, line)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&tier, "tier", "stm", "Tier to list (stm, mtm, ltm)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum results")

	return cmd
}

func newMaintainCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "maintain",
		Short:   "Run one consolidation and decay pass now",
		Example: "  memtier maintain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, mgr *memory.Manager) error {
				report, err := mgr.RunMaintenance(ctx)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stats",
		Short:   "Show per-tier counts and engine health",
		Example: "  memtier stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, mgr *memory.Manager) error {
				stats, err := mgr.GetSystemStats(ctx)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and storage readiness",
		Example: "  memtier status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusCmd()
		},
	}
}

func newReplCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "repl",
		Short:   "Interactive session against the engine",
		Example: "  memtier repl",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, mgr *memory.Manager) error {
				return runRepl(ctx, mgr)
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  memtier version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
