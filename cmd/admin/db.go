package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tickbatch.ai/internal/persistence/indexdb"
)

var errUsage = errors.New("usage")

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	from := fs.Uint64("from_tick", 0, "first tick (ticks)")
	to := fs.Uint64("to_tick", 0, "last tick, 0 for open-ended (ticks)")
	limit := fs.Int("limit", 20, "result limit (ticks)")
	entity := fs.String("entity", "", "entity id (entity)")
	key := fs.String("key", "tuning", "meta key (meta)")
	_ = fs.Parse(args)

	q := "summary"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	if strings.TrimSpace(*worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "worlds", *worldID, "index", "world.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	idx, err := indexdb.OpenSQLite(path, *worldID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = runQuery(ctx, idx, q, queryArgs{
		From:   *from,
		To:     *to,
		Limit:  *limit,
		Entity: *entity,
		Key:    *key,
	}, os.Stdout)
	if errors.Is(err, errUsage) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, q+":", err)
		os.Exit(1)
	}
}

type queryArgs struct {
	From   uint64
	To     uint64
	Limit  int
	Entity string
	Key    string
}

// runQuery writes the result of one named query as JSON lines.
func runQuery(ctx context.Context, idx *indexdb.SQLiteIndex, q string, a queryArgs, out io.Writer) error {
	emit := func(v any) error {
		b, err := jsonLine(v)
		if err != nil {
			return err
		}
		_, err = out.Write(b)
		return err
	}

	switch q {
	case "summary":
		s, err := idx.Summary(ctx)
		if err != nil {
			return err
		}
		return emit(s)

	case "ticks":
		if a.Limit <= 0 {
			a.Limit = 20
		}
		rows, err := idx.QueryTicks(ctx, a.From, a.To, a.Limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := emit(r); err != nil {
				return err
			}
		}
		return nil

	case "entity":
		if strings.TrimSpace(a.Entity) == "" {
			return fmt.Errorf("%w: entity requires -entity", errUsage)
		}
		seen, ok, err := idx.LastSeen(ctx, a.Entity)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("entity %q not indexed", a.Entity)
		}
		return emit(seen)

	case "meta":
		v, err := idx.Meta(ctx, a.Key)
		if err != nil {
			return err
		}
		return emit(map[string]string{"key": a.Key, "value": v})

	default:
		return fmt.Errorf("%w: unknown query %q (summary|ticks|entity|meta)", errUsage, q)
	}
}
