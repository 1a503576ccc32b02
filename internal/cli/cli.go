// Package cli implements the luma command line: queries, free-text agent
// turns, refresh, chat, shortcuts and the serve mode.
package cli

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"luma/internal/agent"
	"luma/internal/blob"
	"luma/internal/chat"
	"luma/internal/config"
	"luma/internal/ics"
	"luma/internal/llm"
	appLog "luma/internal/log"
	"luma/internal/metrics"
	"luma/internal/query"
	"luma/internal/render"
	"luma/internal/schedule"
	"luma/internal/schema"
	"luma/internal/source"
	"luma/internal/source/luma"
	"luma/internal/store"
	"luma/internal/web"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

const (
	cmdQuery   = ""
	cmdRefresh = "refresh"
	cmdChat    = "chat"
	cmdServe   = "serve"
	cmdSC      = "sc"
)

// App holds the process streams and the constructors tests replace.
type App struct {
	Stdout io.Writer
	Stderr io.Writer
	// EnvDir is searched for .env.local and .env.
	EnvDir string
	Now    func() time.Time

	// Adapters builds the configured sources.
	Adapters func(cfg *config.Config, cacheDir string, windowDays int) ([]source.Adapter, error)
	// Completer builds the model client for agent turns.
	Completer func(cfg *config.Config) (llm.Completer, error)
}

func New() *App {
	return &App{
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		EnvDir:    ".",
		Now:       time.Now,
		Adapters:  ConfiguredAdapters,
		Completer: anthropicCompleter,
	}
}

// ConfiguredAdapters registers the Luma adapter (unless disabled) and one
// adapter per ICS feed.
func ConfiguredAdapters(cfg *config.Config, cacheDir string, windowDays int) ([]source.Adapter, error) {
	reg := source.NewRegistry()
	if !cfg.Sources.Luma.Disabled {
		if err := reg.Register(luma.New(cfg.Sources.Luma, windowDays)); err != nil {
			return nil, err
		}
	}
	for _, feed := range cfg.Sources.ICS {
		if err := reg.Register(ics.NewAdapter(feed, filepath.Join(cacheDir, "ics"), windowDays)); err != nil {
			return nil, err
		}
	}
	return reg.Adapters(), nil
}

func anthropicCompleter(cfg *config.Config) (llm.Completer, error) {
	return llm.NewAnthropic(cfg.Agent, cfg.ResolvedAPIKey())
}

// env is the state shared by every subcommand once config is loaded.
type env struct {
	cfg        *config.Config
	configPath string
	loc        *time.Location
	now        time.Time
	store      *store.Store
	out        *render.Printer
	errp       *render.Printer
}

func (e *env) queryOptions() query.Options {
	return query.Options{
		Now:          e.now,
		Location:     e.loc,
		DefaultDays:  e.cfg.Query.DefaultDays,
		DefaultLimit: e.cfg.Query.DefaultLimit,
	}
}

// Run executes one invocation and returns the process exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	errp := render.New(a.Stderr, nil, a.Now())

	if loaded, err := config.LoadEnv(a.EnvDir); err != nil {
		appLog.Warn("failed to load env file", "error", err)
	} else if len(loaded) > 0 {
		appLog.Debug("loaded env files", "files", strings.Join(loaded, ","))
	}

	var o options
	pos, err := parseArgs(newFlagSet(&o, a.Stderr), &o, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		return ExitUsage
	}
	if o.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	configPath := o.configPath
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	configPath = config.ExpandHome(configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		if cfg == nil {
			errp.Error(fmt.Sprintf("Error: %v", err))
			return ExitUsage
		}
		appLog.Warn("could not write default config", "path", configPath, "error", err)
	}

	if len(pos) > 0 && pos[0] == cmdSC {
		var code int
		o, pos, code = a.resolveShortcut(cfg, args, pos, errp)
		if code >= 0 {
			return code
		}
	}

	cmd, text, err := route(pos)
	if err == nil {
		err = checkFlags(cmd, text, &o)
	}
	if err != nil {
		errp.Error(fmt.Sprintf("Error: %v", err))
		return ExitUsage
	}

	a.configureLogging(cfg, cmd, o.debug)

	cacheDir := cfg.ResolvedCacheDir()
	if o.cacheDir != "" {
		cacheDir = config.ExpandHome(o.cacheDir)
	}
	windowDays := cfg.Refresh.WindowDays
	retries := cfg.Refresh.Retries
	if cmd == cmdRefresh {
		if o.spec.Days != nil {
			windowDays = *o.spec.Days
		}
		if o.retries != nil {
			retries = max(*o.retries, 0)
		}
	}

	adapters, err := a.Adapters(cfg, cacheDir, windowDays)
	if err != nil {
		errp.Error(fmt.Sprintf("Error: %v", err))
		return ExitUsage
	}
	blobs, err := blob.Open(ctx, cfg.Storage.Driver, config.ExpandHome(cfg.Storage.Path), cacheDir)
	if err != nil {
		errp.Error(fmt.Sprintf("Error: opening cache: %v", err))
		return ExitFailure
	}
	defer blobs.Close()

	st, err := store.Open(ctx, blobs, adapters, store.Options{
		SourceTimeout: time.Duration(cfg.Refresh.SourceTimeoutSeconds) * time.Second,
		MaxInFlight:   cfg.Refresh.MaxInFlight,
		Retries:       retries,
		Compress:      cfg.Storage.Compress,
		Location:      cfg.Location(),
		Now:           a.Now,
	})
	if err != nil {
		errp.Error(fmt.Sprintf("Error: opening cache: %v", err))
		return ExitFailure
	}
	appLog.Debug("cache opened", "dir", cacheDir, "driver", cfg.Storage.Driver, "sources", strings.Join(st.SourceIDs(), ","))

	loc := cfg.Location()
	now := a.Now()
	e := &env{
		cfg:        cfg,
		configPath: configPath,
		loc:        loc,
		now:        now,
		store:      st,
		out:        render.New(a.Stdout, loc, now),
		errp:       render.New(a.Stderr, loc, now),
	}

	switch {
	case cmd == cmdRefresh:
		return a.runRefresh(ctx, e, o)
	case cmd == cmdChat:
		return a.runChat(ctx, e)
	case cmd == cmdServe:
		return a.runServe(ctx, e, o)
	case o.reset:
		return a.runReset(ctx, e, o)
	case text != "":
		return a.runAsk(ctx, e, o, text)
	default:
		return a.runQuery(ctx, e, o)
	}
}

// configureLogging applies log.level and log.file. serve logs at info unless
// the config asks for more.
func (a *App) configureLogging(cfg *config.Config, cmd string, debug bool) {
	appLog.SetOutput(a.Stderr, config.ExpandHome(cfg.Log.File))
	level := appLog.ParseLevel(cfg.Log.Level)
	if cmd == cmdServe && (level == appLog.LevelWarn || level == appLog.LevelError) {
		level = appLog.LevelInfo
	}
	if debug {
		level = appLog.LevelDebug
	}
	appLog.SetLevel(level)
}

// resolveShortcut expands "sc <name>" into the configured arguments followed
// by any extra flags. A code >= 0 means the invocation is complete.
func (a *App) resolveShortcut(cfg *config.Config, args, pos []string, errp *render.Printer) (options, []string, int) {
	if len(pos) < 2 {
		names := cfg.ShortcutNames()
		if len(names) == 0 {
			fmt.Fprintln(a.Stdout, "No shortcuts configured.")
			return options{}, nil, ExitOK
		}
		fmt.Fprintln(a.Stdout, "Shortcuts:")
		for _, name := range names {
			fmt.Fprintf(a.Stdout, "  %s: %s\n", name, quoteArgs(cfg.Shortcuts[name]))
		}
		return options{}, nil, ExitOK
	}

	name := pos[1]
	expansion, ok := cfg.Shortcuts[name]
	if !ok {
		avail := "none"
		if names := cfg.ShortcutNames(); len(names) > 0 {
			avail = strings.Join(names, ", ")
		}
		errp.Error(fmt.Sprintf("Unknown shortcut: %s. Available: %s", name, avail))
		return options{}, nil, ExitUsage
	}

	extra := withoutShortcut(args, name)
	resolved := append(append([]string{}, expansion...), extra...)
	errp.Dim("luma " + quoteArgs(resolved))

	var o options
	fs := newFlagSet(&o, a.Stderr)
	rest, err := parseArgs(fs, &o, resolved)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return o, nil, ExitOK
		}
		return o, nil, ExitUsage
	}
	if len(rest) > 0 && rest[0] == cmdSC {
		errp.Error("Shortcuts cannot invoke other shortcuts.")
		return o, nil, ExitUsage
	}
	return o, rest, -1
}

// route splits positionals into a subcommand or free text.
func route(pos []string) (cmd, text string, err error) {
	if len(pos) == 0 {
		return cmdQuery, "", nil
	}
	switch pos[0] {
	case cmdRefresh, cmdChat, cmdServe:
		if len(pos) > 1 {
			return "", "", fmt.Errorf("unexpected argument %q for %s", pos[1], pos[0])
		}
		return pos[0], "", nil
	}
	text = strings.TrimSpace(strings.Join(pos, " "))
	return cmdQuery, text, nil
}

func checkFlags(cmd, text string, o *options) error {
	switch {
	case o.json && (cmd == cmdChat || cmd == cmdServe):
		return fmt.Errorf("--json is not supported with %s", cmd)
	case o.discard && o.all:
		return errors.New("--discard and --all are mutually exclusive")
	case o.discard && o.reset:
		return errors.New("--discard and --reset are mutually exclusive")
	case cmd != cmdQuery && (o.discard || o.all || o.reset):
		return fmt.Errorf("--discard, --all and --reset cannot be used with %s", cmd)
	case o.reset && text != "":
		return errors.New("--reset does not take a question")
	case o.retries != nil && cmd != cmdRefresh:
		return errors.New("--retries is only valid with refresh")
	case o.listen != "" && cmd != cmdServe:
		return errors.New("--listen is only valid with serve")
	}
	return nil
}

func (a *App) runRefresh(ctx context.Context, e *env, o options) int {
	sum, err := e.store.Refresh(ctx)
	if err != nil {
		return e.refreshFailed(err)
	}
	for _, f := range sum.Failed {
		e.errp.Warn(fmt.Sprintf("Warning: source %s failed: %v", f.SourceID, f.Err))
	}
	if o.json {
		if err := e.out.JSON(sum); err != nil {
			return ExitFailure
		}
		return ExitOK
	}
	for _, s := range sum.Sources {
		fmt.Fprintf(a.Stdout, "%s: %d added, %d updated, %d unchanged, %d removed\n",
			s.SourceID, s.Added, s.Updated, s.Unchanged, s.Removed)
	}
	fmt.Fprintf(a.Stdout, "Cached %d events.\n", sum.Total)
	return ExitOK
}

func (e *env) refreshFailed(err error) int {
	if errors.Is(err, store.ErrNoSources) {
		e.errp.Error("Error: no sources configured. Enable sources.luma or add sources.ics in " + e.configPath + ".")
		return ExitUsage
	}
	var all *store.AllSourcesFailedError
	if errors.As(err, &all) {
		for _, f := range all.Failures {
			e.errp.Warn(fmt.Sprintf("Warning: source %s failed: %v", f.SourceID, f.Err))
		}
		e.errp.Error("Error: every source failed; the cache was left unchanged.")
		return ExitFailure
	}
	e.errp.Error(fmt.Sprintf("Error: refresh failed: %v", err))
	return ExitFailure
}

func (a *App) runReset(ctx context.Context, e *env, o options) int {
	n, err := e.store.Reset(ctx)
	if err != nil {
		e.errp.Error(fmt.Sprintf("Error: %v", err))
		return ExitFailure
	}
	switch {
	case o.json:
		if err := e.out.JSON(map[string]int{"cleared": n}); err != nil {
			return ExitFailure
		}
	case n == 0:
		fmt.Fprintln(a.Stdout, "No seen events to clear.")
	default:
		fmt.Fprintf(a.Stdout, "Cleared %d seen events.\n", n)
	}
	return ExitOK
}

// ensureCache rebuilds a missing or corrupt cache and warns when it is
// stale. It returns false when there is nothing to query.
func (e *env) ensureCache(ctx context.Context) bool {
	if e.store.NeedsRebuild() {
		for _, err := range e.store.CorruptErrors() {
			e.errp.Warn(fmt.Sprintf("Warning: %v", err))
		}
		e.errp.Dim("Refreshing event cache...")
		if _, err := e.store.Refresh(ctx); err != nil {
			appLog.Warn("cache rebuild failed", "error", err)
			if e.store.Snapshot().Len() == 0 {
				e.errp.Error("No cached events. Run 'luma refresh' first.")
				return false
			}
		}
	}

	snap := e.store.Snapshot()
	if snap.Len() == 0 && snap.LastRefresh().IsZero() {
		e.errp.Error("No cached events. Run 'luma refresh' first.")
		return false
	}
	if age, stale := snap.Staleness(e.now, time.Duration(e.cfg.Query.StaleHours)*time.Hour); stale {
		e.errp.Warn(fmt.Sprintf("Warning: cache is %s old. Run 'luma refresh' to update.", formatAge(age)))
	}
	return true
}

func formatAge(d time.Duration) string {
	if d >= 48*time.Hour {
		return fmt.Sprintf("%d days", int(d/(24*time.Hour)))
	}
	if d >= 24*time.Hour {
		return "1 day"
	}
	return fmt.Sprintf("%d hours", int(d/time.Hour))
}

func (a *App) runQuery(ctx context.Context, e *env, o options) int {
	if !e.ensureCache(ctx) {
		return ExitFailure
	}
	spec := o.spec
	spec.IncludeSeen = o.all
	if spec.Sort == "" {
		spec.Sort = e.cfg.Query.DefaultSort
	}

	res, err := query.Evaluate(e.store.Snapshot(), spec, e.queryOptions())
	if err != nil {
		metrics.ObserveQuery("invalid")
		e.errp.Error(fmt.Sprintf("Error: %v", err))
		return ExitUsage
	}
	metrics.ObserveQuery("ok")
	appLog.Debug("query evaluated", "args", strings.Join(spec.Args(), " "), "total", res.Total)

	switch {
	case o.json:
		if err := e.out.JSON(render.NewQueryOutput(spec, res, e.now)); err != nil {
			return ExitFailure
		}
	case len(res.Items) == 0:
		fmt.Fprintln(a.Stdout, "No matching events.")
	default:
		e.out.Events(res.Items, res.Sort)
	}

	if o.discard {
		return e.discard(ctx, res.Items)
	}
	return ExitOK
}

func (e *env) discard(ctx context.Context, items []query.Item) int {
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Event.Key()
	}
	n, err := e.store.Discard(ctx, keys)
	if err != nil {
		e.errp.Error(fmt.Sprintf("Error: %v", err))
		return ExitFailure
	}
	e.errp.Dim(fmt.Sprintf("Marked %d events as seen.", n))
	return ExitOK
}

func (a *App) newAgent(e *env, progress func(string)) (*agent.Agent, error) {
	c, err := a.Completer(e.cfg)
	if err != nil {
		return nil, err
	}
	opts := agent.OptionsFromConfig(e.cfg, e.loc)
	opts.OnProgress = progress
	return agent.New(c, e.store, opts), nil
}

func (e *env) agentFailed(err error) int {
	if errors.Is(err, llm.ErrNoAPIKey) {
		e.errp.Error("Error: the agent needs an API key. Set " + config.APIKeyEnv + " or agent.api_key.")
		return ExitUsage
	}
	var ferr *schema.FormatError
	if errors.As(err, &ferr) {
		e.errp.Error(fmt.Sprintf("Error: the agent did not produce a valid answer: %s", ferr.Reason))
		return ExitFailure
	}
	e.errp.Error(fmt.Sprintf("Error: %v", err))
	return ExitFailure
}

func (a *App) runAsk(ctx context.Context, e *env, o options, text string) int {
	if !e.ensureCache(ctx) {
		return ExitFailure
	}
	ag, err := a.newAgent(e, func(s string) { e.errp.Dim(strings.TrimSpace(s)) })
	if err != nil {
		return e.agentFailed(err)
	}

	req := agent.Request{Text: text, Now: e.now}
	if o.specSet {
		filters := o.spec
		req.Filters = &filters
	}
	ans, err := ag.Ask(ctx, req)
	if err != nil {
		return e.agentFailed(err)
	}
	for _, id := range ans.Unknown {
		e.errp.Warn("Warning: the agent named an unknown event: " + id)
	}

	if q, ok := ans.Response.(*schema.QueryResponse); ok && o.all {
		q.Params.IncludeSeen = true
	}
	res, err := ans.Evaluate(e.store.Snapshot(), e.queryOptions())
	if err != nil {
		return e.agentFailed(err)
	}
	items := ans.Items
	if res != nil {
		items = res.Items
	}

	if o.json {
		if err := e.out.JSON(render.NewAnswerOutput(ans.Response, ans.Items, ans.Unknown, res, e.now)); err != nil {
			return ExitFailure
		}
	} else {
		e.out.Answer(ans.Response, ans.Items, res)
	}

	if o.discard && len(items) > 0 {
		return e.discard(ctx, items)
	}
	return ExitOK
}

func (a *App) runChat(ctx context.Context, e *env) int {
	if !e.ensureCache(ctx) {
		return ExitFailure
	}
	ag, err := a.newAgent(e, nil)
	if err != nil {
		return e.agentFailed(err)
	}
	color := render.IsTerminal(a.Stdout) && os.Getenv("NO_COLOR") == ""
	format := func(ans *agent.Answer) (string, error) {
		var buf bytes.Buffer
		now := a.Now()
		p := render.New(&buf, e.loc, now)
		p.SetColor(color)
		opts := e.queryOptions()
		opts.Now = now
		res, err := ans.Evaluate(e.store.Snapshot(), opts)
		if err != nil {
			return "", err
		}
		p.Answer(ans.Response, ans.Items, res)
		return buf.String(), nil
	}
	if err := chat.Run(ctx, ag, format); err != nil {
		e.errp.Error(fmt.Sprintf("Error: %v", err))
		return ExitFailure
	}
	return ExitOK
}

func (a *App) runServe(ctx context.Context, e *env, o options) int {
	metrics.Register()

	var asker web.Asker
	if ag, err := a.newAgent(e, nil); err != nil {
		appLog.Warn("agent disabled", "error", err)
	} else {
		asker = ag
	}

	if e.store.NeedsRebuild() {
		if _, err := e.store.Refresh(ctx); err != nil {
			appLog.Error("initial refresh failed", err)
		}
	}

	sched, err := schedule.New(ctx, e.cfg.Refresh.Cron, e.loc, "refresh", func(ctx context.Context) error {
		_, err := e.store.Refresh(ctx)
		return err
	})
	if err != nil {
		e.errp.Error(fmt.Sprintf("Error: %v", err))
		return ExitUsage
	}
	sched.Start()
	defer sched.Stop()
	appLog.Info("refresh scheduled", "cron", e.cfg.Refresh.Cron, "next", sched.Next())

	listen := e.cfg.Serve.Listen
	if o.listen != "" {
		listen = o.listen
	}
	if err := web.NewServer(e.cfg, e.store, asker).Serve(ctx, listen); err != nil {
		e.errp.Error(fmt.Sprintf("Error: %v", err))
		return ExitFailure
	}
	return ExitOK
}
