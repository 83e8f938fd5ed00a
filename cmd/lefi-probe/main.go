// ABOUTME: Diagnostic CLI for a lefi bot configuration
// ABOUTME: Connects shards, watches the event stream, and inspects gateway health

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/blanketsucks/lefi"
	"github.com/blanketsucks/lefi/config"
	"github.com/blanketsucks/lefi/internal/sessionstore"
	"github.com/blanketsucks/lefi/internal/state"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	configPath := os.Getenv("LEFI_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "watch":
		err = cmdWatch(configPath, args)
	case "gateway":
		err = cmdGateway(configPath)
	case "sessions":
		err = cmdSessions(configPath)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	yellow := color.New(color.FgYellow)

	fmt.Println("Usage: lefi-probe <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  watch [event...]   Connect all shards and print the dispatch stream")
	fmt.Println("  gateway            Print the gateway bootstrap info for this token")
	fmt.Println("  sessions           Print persisted resume credentials per shard")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  LEFI_CONFIG        Config file path (default: ./config.yaml)")
}

// cmdWatch connects every shard and prints events as they arrive. With
// arguments, only the named events are printed.
func cmdWatch(configPath string, names []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	client, err := lefi.New(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(names) == 0 {
		names = []string{lefi.EventAny}
	}
	events := make([]<-chan *state.Event, 0, len(names))
	for _, name := range names {
		ch, _ := client.Subscribe(name)
		events = append(events, ch)
	}
	merged := make(chan *state.Event, 64)
	for _, ch := range events {
		go func(ch <-chan *state.Event) {
			for ev := range ch {
				merged <- ev
			}
		}(ch)
	}

	if err := client.Start(ctx); err != nil {
		return err
	}
	if err := client.WaitReady(ctx); err != nil {
		return err
	}
	color.Green("all shards ready (latency %s)", client.Latency().Round(time.Millisecond))

	cyan := color.New(color.FgCyan)
	for {
		select {
		case ev := <-merged:
			cyan.Printf("[shard %d] %s", ev.Shard, ev.Name)
			if ev.Entity != nil {
				fmt.Printf("  %s/%s", ev.Entity.Kind, ev.Entity.ID)
			}
			fmt.Println()
		case err := <-client.Err():
			return err
		case <-ctx.Done():
			fmt.Println()
			color.Yellow("shutting down")
			return nil
		}
	}
}

// cmdGateway prints the bootstrap parameters without opening a websocket.
func cmdGateway(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	client, err := lefi.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	gb, err := client.Rest().GatewayBot(ctx)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  URL:              ")
	fmt.Println(gb.URL)
	green.Printf("  Shards:           ")
	fmt.Println(gb.Shards)
	green.Printf("  Max concurrency:  ")
	fmt.Println(gb.SessionStartLimit.MaxConcurrency)
	green.Printf("  Starts remaining: ")
	fmt.Printf("%d/%d (resets in %.0fs)\n",
		gb.SessionStartLimit.Remaining,
		gb.SessionStartLimit.Total,
		gb.SessionStartLimit.ResetAfter/1000)
	return nil
}

// cmdSessions lists the resume credentials stored in the session database.
func cmdSessions(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path is not configured")
	}

	store, err := sessionstore.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	all, err := store.LoadAll(ctx)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		color.Yellow("no persisted sessions")
		return nil
	}

	shards := make([]int, 0, len(all))
	for id := range all {
		shards = append(shards, id)
	}
	sort.Ints(shards)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SHARD\tSESSION\tSEQ\tRESUME URL")
	for _, id := range shards {
		rs := all[id]
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", id, rs.SessionID, rs.Seq, rs.ResumeURL)
	}
	return w.Flush()
}
