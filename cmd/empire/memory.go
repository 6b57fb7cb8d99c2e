package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/ivanmolanski/empire/internal/config"
	"github.com/ivanmolanski/empire/internal/memory"
)

func runMemory(args []string) error {
	if len(args) == 0 {
		printMemoryUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := memory.New(cfg.Memory)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer db.Close()

	ctx := context.Background()

	switch args[0] {
	case "list":
		return memoryList(ctx, db, args[1:])
	case "get":
		return memoryGet(ctx, db, args[1:])
	case "put":
		return memoryPut(ctx, db, args[1:])
	case "delete":
		return memoryDelete(ctx, db, args[1:])
	case "versions":
		return memoryVersions(ctx, db, args[1:])
	case "stats":
		return memoryStats(ctx, db)
	case "compact":
		return memoryCompact(ctx, db, cfg, args[1:])
	default:
		printMemoryUsage()
		return fmt.Errorf("unknown memory command: %s", args[0])
	}
}

func printMemoryUsage() {
	fmt.Fprintf(os.Stderr, `Usage: empire memory <command>

Commands:
  list [prefix]                     List scope keys
  get <key> [--version <n>]         Print a value
  put <key> --value <str>           Store a string value
  put <key> --file <path>           Store a file's contents
  delete <key>                      Tombstone a key
  versions <key>                    List a key's stored versions
  stats                             Summarize contents per scope
  compact [--keep <n>] [--min-age <dur>]  Erase old versions

Environment:
  EMPIRE_CONFIG                     Config file path
  EMPIRE_SEAL_PASSPHRASE            Passphrase for sealed stores
`)
}

func memoryList(ctx context.Context, db *memory.Store, args []string) error {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	keys, err := db.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println("No keys stored.")
		return nil
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}

func memoryGet(ctx context.Context, db *memory.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: empire memory get <key> [--version <n>]")
	}
	key := args[0]

	var (
		value []byte
		err   error
	)
	if len(args) >= 3 && args[1] == "--version" {
		version, perr := strconv.ParseInt(args[2], 10, 64)
		if perr != nil {
			return fmt.Errorf("invalid version %q", args[2])
		}
		value, err = db.GetVersion(ctx, key, version)
	} else {
		value, _, err = db.Get(ctx, key)
	}
	if err != nil {
		return err
	}

	fmt.Print(string(value))
	if len(value) > 0 && value[len(value)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func memoryPut(ctx context.Context, db *memory.Store, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: empire memory put <key> --value <string> | --file <path>")
	}
	key := args[0]

	var value []byte
	switch args[1] {
	case "--value":
		value = []byte(args[2])
	case "--file":
		data, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		value = data
	default:
		return fmt.Errorf("expected --value or --file, got %s", args[1])
	}

	version, err := db.Put(ctx, key, value)
	if err != nil {
		return err
	}
	fmt.Printf("Stored %q at version %d\n", key, version)
	return nil
}

func memoryDelete(ctx context.Context, db *memory.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: empire memory delete <key>")
	}
	version, err := db.Delete(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Tombstoned %q at version %d\n", args[0], version)
	return nil
}

func memoryVersions(ctx context.Context, db *memory.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: empire memory versions <key>")
	}
	infos, err := db.ListVersions(ctx, args[0])
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("No versions stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSIZE\tCREATED\tTOMBSTONE")
	for _, v := range infos {
		tomb := ""
		if v.Tombstone {
			tomb = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", v.Version, formatSize(v.Size), v.CreatedAt.Format(time.RFC3339), tomb)
	}
	return w.Flush()
}

func memoryStats(ctx context.Context, db *memory.Store) error {
	stats, err := db.Stats(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tKEYS\tVERSIONS\tTOMBSTONES\tSIZE")
	scopes := make([]string, 0, len(stats.Scopes))
	for name := range stats.Scopes {
		scopes = append(scopes, name)
	}
	sort.Strings(scopes)
	for _, name := range scopes {
		sc := stats.Scopes[name]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", name, sc.Keys, sc.Versions, sc.Tombstones, formatSize(sc.Bytes))
	}
	fmt.Fprintf(w, "total\t%d\t%d\t%d\t%s\n", stats.Keys, stats.Versions, stats.Tombstones, formatSize(stats.Bytes))
	return w.Flush()
}

func memoryCompact(ctx context.Context, db *memory.Store, cfg *config.Config, args []string) error {
	policy := memory.Policy{
		KeepVersions: cfg.Memory.KeepVersions,
		MinAge:       cfg.Memory.CompactMinAge,
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--keep":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for --keep")
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil {
				return fmt.Errorf("invalid --keep %q", args[i])
			}
			policy.KeepVersions = n
		case "--min-age":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for --min-age")
			}
			i++
			d, err := time.ParseDuration(args[i])
			if err != nil {
				return fmt.Errorf("invalid --min-age %q", args[i])
			}
			policy.MinAge = d
		}
	}

	removed, err := db.Compact(ctx, policy)
	if err != nil {
		return err
	}
	fmt.Printf("Compacted: %d rows removed\n", removed)
	return nil
}
