// turnstate - bounded conversation state for agent runtimes
//
// Copyright (c) 2026 turnstate contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/dotsetgreg/turnstate/pkg/config"
	"github.com/dotsetgreg/turnstate/pkg/logger"
	"github.com/dotsetgreg/turnstate/pkg/service"
	"github.com/dotsetgreg/turnstate/pkg/state"
	"github.com/dotsetgreg/turnstate/pkg/store"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "turnstate"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Printf("  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Printf("  Go: %s\n", goVer)
	}
}

func applyLogLevel(cfg *config.Config) {
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		logger.SetLevel(logger.DEBUG)
	case "warn", "warning":
		logger.SetLevel(logger.WARN)
	case "error":
		logger.SetLevel(logger.ERROR)
	default:
		logger.SetLevel(logger.INFO)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runShell drives the engine interactively. Plain lines become user
// messages; slash commands exercise tool results, context injection,
// and persistence.
func runShell(cfg *config.Config, session string) error {
	st, err := store.NewSQLiteStore(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("open store at %s: %w", cfg.StorePath(), err)
	}

	svc, err := service.NewService(service.Config{
		Limits:         cfg.StateLimits(),
		SweepCron:      cfg.Service.SweepCron,
		SweepRetention: time.Duration(cfg.Service.SweepRetentionDays) * 24 * time.Hour,
		CacheSize:      cfg.Service.CacheSize,
		CacheTTL:       time.Duration(cfg.Service.CacheTTLSeconds) * time.Second,
	}, st)
	if err != nil {
		_ = st.Close()
		return err
	}
	defer svc.Close()

	fmt.Printf("%s shell, session %s (Ctrl+C to exit, /help for commands)\n\n", appName, session)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s> ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".turnstate_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	ctx := context.Background()
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" || input == "/exit" {
			fmt.Println("Goodbye!")
			return nil
		}

		if strings.HasPrefix(input, "/") {
			if err := runShellCommand(ctx, svc, session, input); err != nil {
				fmt.Printf("Error: %v\n", err)
			}
			continue
		}

		if err := svc.BeginTurn(ctx, session, input); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		snap, err := svc.Snapshot(ctx, session)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("Turn started. Focus: [%s], history: %d turns, context: %d items\n",
			strings.Join(snap.Focus, ", "), len(snap.ConversationHistory), len(snap.MemoryContext))
	}
}

func runShellCommand(ctx context.Context, svc *service.Service, session, input string) error {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/help":
		fmt.Print(strings.TrimSpace(`
  <text>                    start a new turn with <text> as the user message
  /tool <name> <ok|fail> <result...>   record a tool result
  /context <source> <text...>          inject a context candidate
  /show                     print the current state summary
  /report                   optimize and persist, printing the report
  /save                     alias for /report
  /delete                   delete this session
  /exit                     leave the shell
`) + "\n")
		return nil

	case "/tool":
		if len(fields) < 4 {
			return fmt.Errorf("usage: /tool <name> <ok|fail> <result...>")
		}
		ok := fields[2] == "ok" || fields[2] == "true"
		result := strings.Join(fields[3:], " ")
		if err := svc.RecordToolResult(ctx, session, fields[1], result, ok); err != nil {
			return err
		}
		fmt.Printf("Recorded %s result for %s\n", outcomeWord(ok), fields[1])
		return nil

	case "/context":
		if len(fields) < 3 {
			return fmt.Errorf("usage: /context <source> <text...>")
		}
		source := fields[1]
		item := state.ContextItem{Source: source, Content: strings.Join(fields[2:], " ")}
		n, err := svc.InjectContext(ctx, session, []state.ContextItem{item}, source)
		if err != nil {
			return err
		}
		fmt.Printf("Injected %d of 1 candidate(s)\n", n)
		return nil

	case "/show":
		snap, err := svc.Snapshot(ctx, session)
		if err != nil {
			return err
		}
		fmt.Printf("Session %s: input=%q focus=[%s] steps=%d history=%d context=%d\n",
			session, snap.UserInput, strings.Join(snap.Focus, ", "),
			snap.StepCount, len(snap.ConversationHistory), len(snap.MemoryContext))
		return nil

	case "/report", "/save":
		report, err := svc.SaveConversation(ctx, session)
		if err != nil {
			return err
		}
		raw, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil

	case "/delete":
		if err := svc.DeleteConversation(ctx, session); err != nil {
			return err
		}
		fmt.Printf("Deleted session %s\n", session)
		return nil

	default:
		return fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
}

func outcomeWord(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

