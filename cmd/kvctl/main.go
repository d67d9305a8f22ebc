// Command kvctl talks to a kvserver from the command line.
//
// Every command goes through the same retrying client the library offers,
// so a briefly unavailable server is retried before kvctl gives up.
//
// Example usage:
//
//	kvctl -store players set alice '{"score": 10}'
//	kvctl -store players get alice bob
//	kvctl -store players incr hits 5
//	kvctl -store players keys -prefix a
//	kvctl -store players versions -desc alice
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"kvclient/internal/config"
	"kvclient/internal/datastore"
	"kvclient/internal/remote"
	"kvclient/internal/storage"
)

const usage = `usage: kvctl [flags] <command> [args]

commands:
  get <key>...                 read one or more keys
  set <key> <json>             write a JSON value
  incr <key> <delta>           add an integer delta
  rm <key>                     remove a key
  keys [-prefix p] [-page n] [-exclude-deleted]
  versions [-desc] [-page n] <key>
  get-version <key> <version>  read a specific version
  at <key> <RFC3339 time>      read the version live at a time
  rm-version <key> <version>   delete one version

flags:
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "kvctl:", err)
		}
		os.Exit(1)
	}
}

type app struct {
	client *datastore.Client
	stdout io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("kvctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	var (
		configPath = fs.String("config", "", "path to a YAML config file")
		addr       = fs.String("addr", "", "kvserver address")
		store      = fs.String("store", "", "store name")
		scope      = fs.String("scope", "", "store scope")
		options    = fs.String("options", "", "store options as key=value pairs separated by commas")
		retryDelay = fs.Duration("retry-delay", -1, "pause between failed attempts")
		timeout    = fs.Duration("timeout", 0, "overall deadline for the command")
		verbose    = fs.Bool("v", false, "log retries to stderr")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *addr != "" {
		cfg.Remote.Addr = *addr
	}
	if *store != "" {
		cfg.Store.Name = *store
	}
	if *scope != "" {
		cfg.Store.Scope = *scope
	}
	if *options != "" {
		opts, err := config.ParseOptions(*options)
		if err != nil {
			return err
		}
		cfg.Store.Options = opts
	}
	if *retryDelay >= 0 {
		cfg.Retry.Delay = *retryDelay
	}
	if *timeout > 0 {
		cfg.Remote.Timeout = *timeout
	}

	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	handle, err := cfg.Handle()
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if cfg.Remote.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Remote.Timeout)
		defer cancel()
	}

	cm := remote.NewConnManager()
	defer cm.Close()
	backend, err := cm.Backend(cfg.Remote.Addr, remote.WithBackendLogger(logger))
	if err != nil {
		return err
	}

	clientOpts := []datastore.Option{
		datastore.WithLogger(logger),
		datastore.WithRetryDelay(cfg.Retry.Delay),
	}
	if cfg.RateLimit.PerSecond > 0 {
		clientOpts = append(clientOpts, datastore.WithRateLimit(rate.Limit(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst))
	}
	client, err := datastore.New(ctx, backend, handle, clientOpts...)
	if err != nil {
		return err
	}

	a := &app{client: client, stdout: stdout}
	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "get":
		return a.get(ctx, rest)
	case "set":
		return a.set(ctx, rest)
	case "incr":
		return a.incr(ctx, rest)
	case "rm":
		return a.rm(ctx, rest)
	case "keys":
		return a.keys(ctx, rest, stderr)
	case "versions":
		return a.versions(ctx, rest, stderr)
	case "get-version":
		return a.getVersion(ctx, rest)
	case "at":
		return a.at(ctx, rest)
	case "rm-version":
		return a.rmVersion(ctx, rest)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func wantArgs(cmd string, args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("%s: want %d arguments, got %d: %w", cmd, n, len(args), errUsage)
	}
	return nil
}

func (a *app) get(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("get: no keys: %w", errUsage)
	}
	entries := make([]storage.Entry, len(keys))
	g, ctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		g.Go(func() error {
			e, err := a.client.Get(ctx, key, storage.GetOptions{})
			if err != nil {
				return fmt.Errorf("get %q: %w", key, err)
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, e := range entries {
		if err := a.printEntry(e); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) set(ctx context.Context, args []string) error {
	if err := wantArgs("set", args, 2); err != nil {
		return err
	}
	var v structpb.Value
	if err := protojson.Unmarshal([]byte(args[1]), &v); err != nil {
		return fmt.Errorf("set: value is not JSON: %w", err)
	}
	version, err := a.client.Set(ctx, args[0], v.AsInterface(), nil, storage.SetOptions{}).Wait()
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, version)
	return nil
}

func (a *app) incr(ctx context.Context, args []string) error {
	if err := wantArgs("incr", args, 2); err != nil {
		return err
	}
	delta, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("incr: bad delta %q: %w", args[1], err)
	}
	n, err := a.client.Increment(ctx, args[0], delta, nil, storage.SetOptions{}).Wait()
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, n)
	return nil
}

func (a *app) rm(ctx context.Context, args []string) error {
	if err := wantArgs("rm", args, 1); err != nil {
		return err
	}
	prior, err := a.client.Remove(ctx, args[0]).Wait()
	if err != nil {
		return err
	}
	return a.printEntry(prior)
}

func (a *app) keys(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("keys", flag.ContinueOnError)
	fs.SetOutput(stderr)
	prefix := fs.String("prefix", "", "only keys with this prefix")
	page := fs.Int("page", 0, "page size")
	excludeDeleted := fs.Bool("exclude-deleted", false, "skip removed keys")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pages, err := a.client.ListKeys(ctx, storage.ListKeysOptions{
		Prefix:         *prefix,
		PageSize:       *page,
		ExcludeDeleted: *excludeDeleted,
	})
	if err != nil {
		return err
	}
	keys, err := pages.All(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Fprintln(a.stdout, k)
	}
	return nil
}

func (a *app) versions(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("versions", flag.ContinueOnError)
	fs.SetOutput(stderr)
	desc := fs.Bool("desc", false, "newest first")
	page := fs.Int("page", 0, "page size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs("versions", fs.Args(), 1); err != nil {
		return err
	}

	opts := storage.ListVersionsOptions{PageSize: *page}
	if *desc {
		opts.SortDirection = storage.Descending
	}
	pages, err := a.client.ListVersions(ctx, fs.Arg(0), opts)
	if err != nil {
		return err
	}
	for {
		for _, v := range pages.CurrentPage() {
			state := "live"
			if v.Deleted {
				state = "deleted"
			}
			fmt.Fprintf(a.stdout, "%s\t%s\t%s\n", v.Version, v.CreatedTime.UTC().Format(time.RFC3339Nano), state)
		}
		if pages.IsFinished() {
			return nil
		}
		if err := pages.Next(ctx); err != nil {
			return err
		}
	}
}

func (a *app) getVersion(ctx context.Context, args []string) error {
	if err := wantArgs("get-version", args, 2); err != nil {
		return err
	}
	e, err := a.client.GetVersion(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	return a.printEntry(e)
}

func (a *app) at(ctx context.Context, args []string) error {
	if err := wantArgs("at", args, 2); err != nil {
		return err
	}
	t, err := time.Parse(time.RFC3339Nano, args[1])
	if err != nil {
		return fmt.Errorf("at: bad time %q: %w", args[1], err)
	}
	e, err := a.client.GetVersionAtTime(ctx, args[0], t)
	if err != nil {
		return err
	}
	return a.printEntry(e)
}

func (a *app) rmVersion(ctx context.Context, args []string) error {
	if err := wantArgs("rm-version", args, 2); err != nil {
		return err
	}
	return a.client.RemoveVersion(ctx, args[0], args[1])
}

// printEntry writes e as a single line of JSON.
func (a *app) printEntry(e storage.Entry) error {
	out := map[string]any{
		"key":    e.Key,
		"exists": e.Exists,
	}
	if e.Exists {
		ids := make([]any, len(e.Info.UserIDs))
		for i, id := range e.Info.UserIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		out["value"] = e.Value
		out["version"] = e.Info.Version
		out["created"] = e.Info.CreatedTime.UTC().Format(time.RFC3339Nano)
		out["updated"] = e.Info.UpdatedTime.UTC().Format(time.RFC3339Nano)
		out["user_ids"] = ids
		if len(e.Info.Metadata) > 0 {
			out["metadata"] = e.Info.Metadata
		}
	}
	st, err := structpb.NewStruct(out)
	if err != nil {
		return fmt.Errorf("encode %q: %w", e.Key, err)
	}
	b, err := protojson.Marshal(st)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, string(b))
	return nil
}
