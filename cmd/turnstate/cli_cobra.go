package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/turnstate/pkg/config"
	"github.com/dotsetgreg/turnstate/pkg/optimizer"
	"github.com/dotsetgreg/turnstate/pkg/store"
)

func executeCLI() error {
	root := buildRootCommand()
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "turnstate",
		Short: "Conversation state engine with compression, context scoring, and retention sweeps",
		Long: strings.TrimSpace(`turnstate maintains bounded per-conversation state for agent runtimes.

Use CLI commands to inspect stored conversations, run the optimization
pipeline against them, list sessions, sweep stale conversations, and drive
the engine interactively.`),
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
	root.PersistentFlags().String("config", "", "Path to config file (default ~/.turnstate/config.json)")

	root.AddCommand(newInspectCommand())
	root.AddCommand(newOptimizeCommand())
	root.AddCommand(newSessionsCommand())
	root.AddCommand(newSweepCommand())
	root.AddCommand(newShellCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func loadRuntimeConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyLogLevel(cfg)
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	st, err := store.NewSQLiteStore(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", cfg.StorePath(), err)
	}
	return st, nil
}

func newInspectCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "inspect <conversation_id>",
		Short:   "Show the stored state of a conversation",
		Args:    cobra.ExactArgs(1),
		Example: "  turnstate inspect cli:default",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRuntimeConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			snap, err := st.Load(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("load %s: %w", args[0], err)
			}

			if asJSON {
				raw, err := json.MarshalIndent(snap, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(raw))
				return nil
			}

			fmt.Printf("Conversation: %s\n", args[0])
			fmt.Printf("  User input: %s\n", snap.UserInput)
			fmt.Printf("  Focus:      %s\n", strings.Join(snap.Focus, ", "))
			fmt.Printf("  Steps:      %d\n", snap.StepCount)
			fmt.Printf("  History:    %d turns\n", len(snap.ConversationHistory))
			fmt.Printf("  Context:    %d items\n", len(snap.MemoryContext))
			for i, t := range snap.ConversationHistory {
				label := t.Role
				if t.ToolName != "" {
					label = fmt.Sprintf("%s(%s)", t.Role, t.ToolName)
				}
				fmt.Printf("  [%2d] %-24s %s\n", i, label, previewContent(t.Content))
			}
			if len(snap.MemoryContext) > 0 {
				fmt.Println("  Context items (retention score):")
				for i, item := range snap.MemoryContext {
					score := snap.ScoreContextItem(item, len(snap.MemoryContext)-1-i)
					fmt.Printf("  [%2d] %.3f %-20s %s\n", i, score, item.Source, previewContent(item.Content))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Dump full state as JSON")
	return cmd
}

func newOptimizeCommand() *cobra.Command {
	var save bool

	cmd := &cobra.Command{
		Use:   "optimize <conversation_id>",
		Short: "Run the optimization pipeline against a stored conversation",
		Long:  "Compress history, rebuild memory context, and report reductions. The stored state is only replaced with --save.",
		Args:  cobra.ExactArgs(1),
		Example: strings.Join([]string{
			"  turnstate optimize cli:default",
			"  turnstate optimize cli:default --save",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRuntimeConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := context.Background()
			snap, err := st.Load(ctx, args[0])
			if err != nil {
				return fmt.Errorf("load %s: %w", args[0], err)
			}

			optimized, report, err := optimizer.NewManager().Optimize(snap)
			if err != nil {
				return fmt.Errorf("optimize %s: %w", args[0], err)
			}

			raw, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(raw))

			if save {
				if err := st.Save(ctx, args[0], optimized); err != nil {
					return fmt.Errorf("save optimized state: %w", err)
				}
				fmt.Printf("Saved optimized state for %s\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&save, "save", false, "Persist the optimized state")
	return cmd
}

func newSessionsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "sessions",
		Short:   "List stored conversations",
		Example: "  turnstate sessions --limit 50",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRuntimeConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			infos, err := st.List(context.Background(), limit)
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}
			if len(infos) == 0 {
				fmt.Println("No stored conversations.")
				return nil
			}
			fmt.Printf("%-32s %6s  %-20s  %s\n", "ID", "TURNS", "UPDATED", "LAST INPUT")
			for _, info := range infos {
				updated := time.UnixMilli(info.UpdatedAtMS).Format(time.RFC3339)
				fmt.Printf("%-32s %6d  %-20s  %s\n",
					info.ID, info.TurnCount, updated, previewContent(info.UserInput))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum conversations to list")
	return cmd
}

func newSweepCommand() *cobra.Command {
	var before time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete conversations idle past the retention window",
		Example: strings.Join([]string{
			"  turnstate sweep",
			"  turnstate sweep --before 720h",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRuntimeConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			retention := before
			if retention <= 0 {
				retention = time.Duration(cfg.Service.SweepRetentionDays) * 24 * time.Hour
			}
			cutoff := time.Now().Add(-retention)
			removed, err := st.SweepBefore(context.Background(), cutoff)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Printf("Removed %d conversation(s) idle since %s\n", removed, cutoff.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().DurationVar(&before, "before", 0, "Override the configured retention window (e.g. 720h)")
	return cmd
}

func newShellCommand() *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Drive the engine interactively",
		Long: strings.TrimSpace(`Interactive session against the live engine. Each line becomes a user
message; /tool, /context, /report, /show, and /save exercise the rest of
the pipeline. Type /help inside the shell for details.`),
		Example: "  turnstate shell --session cli:scratch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRuntimeConfig(cmd)
			if err != nil {
				return err
			}
			return runShell(cfg, session)
		},
	}

	cmd.Flags().StringVarP(&session, "session", "s", "cli:default", "Conversation ID for the shell session")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  turnstate version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

func previewContent(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 72 {
		return s[:69] + "..."
	}
	return s
}
