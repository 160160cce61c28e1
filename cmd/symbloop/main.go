// Command symbloop is the CLI host for the tool-loop engine: it wires a
// config-driven set of provider channels, the MCP tool proxy, and the
// workspace context into an engine.FlowFacade, then drives one
// conversation from stdin/stdout.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xonecas/symbloop/internal/config"
	"github.com/xonecas/symbloop/internal/delta"
	"github.com/xonecas/symbloop/internal/engine"
	"github.com/xonecas/symbloop/internal/highlight"
	"github.com/xonecas/symbloop/internal/lsp"
	"github.com/xonecas/symbloop/internal/mcp"
	"github.com/xonecas/symbloop/internal/mcptools"
	"github.com/xonecas/symbloop/internal/provider"
	"github.com/xonecas/symbloop/internal/shell"
	"github.com/xonecas/symbloop/internal/store"
	"github.com/xonecas/symbloop/internal/treesitter"
	"github.com/xonecas/symbloop/internal/workspace"
)

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to setup logging: %v\n", err)
	}

	flagSession := flag.String("s", "", "resume a session by ID")
	flagList := flag.Bool("l", false, "list sessions")
	flagContinue := flag.Bool("c", false, "continue most recent session")
	flag.StringVar(flagSession, "session", "", "resume a session by ID")
	flag.BoolVar(flagList, "list", false, "list sessions")
	flag.BoolVar(flagContinue, "continue", false, "continue most recent session")
	flag.Parse()

	configPath := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		dataDirPath := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(dataDirPath); err == nil {
			configPath = dataDirPath
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Printf("Error loading credentials: %v\n", err)
		os.Exit(1)
	}

	svc := setupServices(cfg, creds)
	defer svc.proxy.Close()
	defer svc.lspManager.StopAll(context.Background())
	if svc.webCache != nil {
		defer svc.webCache.Close()
	}

	if *flagList {
		listSessions(svc.webCache)
		return
	}

	channelMgr, defaultChannelID, legacyProviders := buildChannelManager(cfg, creds, mcptools.NewRegistry(svc.proxy))
	for _, p := range legacyProviders {
		defer p.Close()
	}

	tools, err := svc.proxy.ListTools(context.Background())
	if err != nil {
		fmt.Printf("Warning: failed to list tools: %v\n", err)
		tools = []mcp.Tool{}
	}

	subAgentHandler := mcptools.NewSubAgentHandler(
		channelMgr,
		defaultChannelID,
		svc.lspManager,
		svc.deltaTracker,
		svc.shell,
		svc.webCache,
		svc.exaKey,
		tools,
	)
	svc.proxy.RegisterTool(mcptools.NewSubAgentTool(), subAgentHandler.Handle)

	sessionID := resolveSession(*flagSession, *flagContinue, svc.webCache)
	if svc.deltaTracker != nil {
		svc.deltaTracker.SetSession(sessionID)
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Printf("Warning: failed to get working directory: %v\n", err)
		cwd = "."
	}
	tsIndex := treesitter.NewIndex(cwd)
	if err := tsIndex.Build(); err != nil {
		log.Warn().Err(err).Msg("tree-sitter index build failed")
	}
	svc.readHandler.SetTSIndex(tsIndex)
	svc.editHandler.SetTSIndex(tsIndex)

	ws, err := workspace.New(cwd, tsIndex, svc.lspManager)
	if err != nil {
		fmt.Printf("Error building workspace: %v\n", err)
		os.Exit(1)
	}
	svc.lspManager.SetCallback(func(absPath string, lines map[int]int) {
			// No TUI to notify in this host; diagnostics are picked up the
			// next time Read/Edit touch the file.
		})

	flow := &engine.FlowFacade{
		Store: svc.webCache,
		Tools: mcptools.NewRegistry(svc.proxy),
		Workspace: ws,
		ChannelMgr: channelMgr,
		Assembler: engine.ContextAssembler{},
		Continuation: &engine.ContinuationCache{Store: svc.webCache},
		MaxSubAgentDepth: mcptools.MaxSubAgentDepth,
	}
	syntaxTheme := cfg.UI.SyntaxThemeOrDefault()
	if svc.deltaTracker != nil {
		var turnSeq atomic.Int64
		flow.CheckpointFunc = func(conversationID string) string {
			id := turnSeq.Add(1)
			svc.deltaTracker.BeginTurn(id)
			return strconv.FormatInt(id, 10)
		}
		flow.DeleteCheckpointsFrom = func(conversationID, fromTurnID string) {
			id, err := strconv.ParseInt(fromTurnID, 10, 64)
			if err != nil {
				return
			}
			for turn, last := id, turnSeq.Load(); turn <= last; turn++ {
				svc.deltaTracker.DeleteTurn(conversationID, turn)
			}
		}
	}

	runREPL(context.Background(), flow, sessionID, defaultChannelID, syntaxTheme)
}

// runREPL reads one line of user input at a time from stdin and drives it
// through FlowFacade.Chat, printing the driver's tagged event stream.
func runREPL(ctx context.Context, flow *engine.FlowFacade, sessionID, channelID, syntaxTheme string) {
	fmt.Printf("symbloop session %s (channel %s). Ctrl-D to exit.\n", sessionID, channelID)
	reader := bufio.NewScanner(os.Stdin)
	reader.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		fmt.Print("> ")
		if !reader.Scan() {
			return
		}
		line := reader.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		events, err := flow.Chat(ctx, engine.ChatRequest{
				ConversationID: sessionID,
				ChannelConfigID: channelID,
				Text: line,
			})
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		drainEvents(ctx, flow, sessionID, channelID, syntaxTheme, events)
	}
}

// drainEvents prints a driver's event stream to stdout, prompting for tool
// confirmation on EventAwaitingConfirmation and re-entering the driver via
// FlowFacade.HandleToolConfirmation with the user's answer. Chunks are
// buffered rather than printed incrementally so the final text can have
// its fenced code blocks syntax-highlighted as one pass.
func drainEvents(ctx context.Context, flow *engine.FlowFacade, sessionID, channelID, syntaxTheme string, events <-chan engine.DriverEvent) {
	for ev := range events {
		switch ev.Kind {
		case engine.EventComplete:
			fmt.Println(renderAssistantText(ev.Content.Text(), syntaxTheme))
		case engine.EventToolsExecuting:
			for _, c := range ev.PendingToolCalls {
				fmt.Printf("\n[running %s]\n", c.Name)
			}
		case engine.EventAwaitingConfirmation:
			confirmed, rejected := promptConfirmation(ev.PendingToolCalls)
			next, err := flow.HandleToolConfirmation(ctx, engine.ConfirmationRequest{
					ConversationID: sessionID,
					ChannelConfigID: channelID,
					Confirmed: confirmed,
					Rejected: rejected,
				})
			if err != nil {
				fmt.Printf("error: %v\n", err)
				return
			}
			drainEvents(ctx, flow, sessionID, channelID, syntaxTheme, next)
			return
		case engine.EventCancelled:
			fmt.Println("\n[cancelled]")
		case engine.EventError:
			fmt.Printf("\n[error] %s\n", ev.Err.Message)
		}
	}
}

// renderAssistantText syntax-highlights every ```lang fenced code block in
// an assistant message, leaving prose untouched.
func renderAssistantText(text, theme string) string {
	bg := highlight.ThemeBg(theme)
	lines := strings.Split(text, "\n")
	var out strings.Builder
	var fence []string
	var lang string
	inFence := false

	flush := func() {
		if len(fence) == 0 {
			return
		}
		block := highlight.Highlight(strings.Join(fence, "\n"), lang, theme, bg)
		out.WriteString(block)
		out.WriteString("\n")
		fence = fence[:0]
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case !inFence && strings.HasPrefix(trimmed, "```"):
			inFence = true
			lang = strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
		case inFence && strings.HasPrefix(trimmed, "```"):
			inFence = false
			flush()
		case inFence:
			fence = append(fence, line)
		default:
			out.WriteString(line)
			out.WriteString("\n")
		}
	}
	if inFence {
		flush()
	}
	return strings.TrimRight(out.String(), "\n")
}

func promptConfirmation(calls []engine.ToolCall) (confirmed, rejected []engine.ToolCall) {
	reader := bufio.NewReader(os.Stdin)
	for _, c := range calls {
		if c.Name == "Edit" {
			if diff, err := mcptools.PreviewDiff(c.Arguments); err == nil && strings.TrimSpace(diff) != "" {
				fmt.Printf("\n%s\n", diff)
			}
		}
		fmt.Printf("\nAllow %s(%s)? [y/N] ", c.Name, string(c.Arguments))
		answer, _ := reader.ReadString('\n')
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y") {
			confirmed = append(confirmed, c)
		} else {
			rejected = append(rejected, c)
		}
	}
	return confirmed, rejected
}

// buildChannelManager registers every [channels.*] table as a canonical
// engine channel, plus one "legacy:<provider>" channel per configured
// Ollama-backed provider so provider.Provider transports
// stay reachable. Returns the manager and the id of the channel to use
// as default (cfg.DefaultChannel, else cfg.DefaultProvider's legacy id,
// else the first registered channel).
func buildChannelManager(cfg *config.Config, creds *config.Credentials, tools engine.ToolRegistry) (*engine.DefaultChannelManager, string, []provider.Provider) {
	mgr := engine.NewDefaultChannelManager(tools)

	for id, cc := range cfg.Channels {
		mgr.RegisterChannel(config.ResolveChannel(id, cc, creds))
	}

	registry := provider.NewRegistry()
	var created []provider.Provider
	for name, pc := range cfg.Providers {
		registry.RegisterFactory(name, provider.NewOllamaFactory(name, pc.Endpoint))
		prov, err := registry.Create(name, pc.Model, provider.Options{Temperature: pc.Temperature})
		if err != nil {
			fmt.Printf("Warning: failed to create provider %q: %v\n", name, err)
			continue
		}
		created = append(created, prov)
		legacyID := "legacy:" + name
		mgr.RegisterChannel(engine.ChannelConfig{
				ID: legacyID,
				Dialect: engine.Dialect(legacyID),
				Model: pc.Model,
				Enabled: true,
			})
		mgr.RegisterLegacy(legacyID, &engine.LegacyChannel{Provider: prov})
	}

	var defaultID string
	switch {
	case cfg.DefaultChannel != "":
		defaultID = cfg.DefaultChannel
	case cfg.DefaultProvider != "":
		defaultID = "legacy:" + cfg.DefaultProvider
	default:
		for id := range cfg.Channels {
			defaultID = id
			break
		}
		if defaultID == "" {
			for name := range cfg.Providers {
				defaultID = "legacy:" + name
				break
			}
		}
	}
	return mgr, defaultID, created
}

type services struct {
	proxy *mcp.Proxy
	lspManager *lsp.Manager
	webCache *store.Cache
	readHandler *mcptools.ReadHandler
	editHandler *mcptools.EditHandler
	shellHandler *mcptools.ShellHandler
	fileTracker *mcptools.FileReadTracker
	deltaTracker *delta.Tracker
	scratchpad *mcptools.Scratchpad
	shell *shell.Shell
	exaKey string
}

func setupServices(cfg *config.Config, creds *config.Credentials) services {
	var mcpClient mcp.UpstreamClient
	if cfg.MCP.Upstream != "" {
		mcpClient = mcp.NewClient(cfg.MCP.Upstream)
	}
	proxy := mcp.NewProxy(mcpClient)
	if err := proxy.Initialize(context.Background()); err != nil {
		fmt.Printf("Warning: MCP init failed: %v\n", err)
	}

	lspManager := lsp.NewManager()
	fileTracker := mcptools.NewFileReadTracker()

	readHandler := mcptools.NewReadHandler(fileTracker, lspManager)
	proxy.RegisterTool(mcptools.NewReadTool(), readHandler.Handle)

	proxy.RegisterTool(mcptools.NewGrepTool(), mcptools.MakeGrepHandler())

	webCache := openWebCache(cfg)

	var dt *delta.Tracker
	if webCache != nil {
		dt = delta.New(webCache.DB())
	}

	editHandler := mcptools.NewEditHandler(fileTracker, lspManager, dt)
	proxy.RegisterTool(mcptools.NewEditTool(), editHandler.Handle)

	proxy.RegisterTool(mcptools.NewWebFetchTool(), mcptools.MakeWebFetchHandler(webCache))

	exaKey := creds.GetAPIKey("exa_ai")
	proxy.RegisterTool(mcptools.NewWebSearchTool(), mcptools.MakeWebSearchHandler(webCache, exaKey, ""))

	sh := shell.New("", shell.DefaultBlockFuncs())
	shellHandler := mcptools.NewShellHandler(sh, dt)
	proxy.RegisterTool(mcptools.NewShellTool(), shellHandler.Handle)

	pad := &mcptools.Scratchpad{}
	proxy.RegisterTool(mcptools.NewTodoWriteTool(), mcptools.MakeTodoWriteHandler(pad))

	return services{
		proxy: proxy,
		lspManager: lspManager,
		webCache: webCache,
		readHandler: readHandler,
		editHandler: editHandler,
		shellHandler: shellHandler,
		fileTracker: fileTracker,
		deltaTracker: dt,
		scratchpad: pad,
		shell: sh,
		exaKey: exaKey,
	}
}

func openWebCache(cfg *config.Config) *store.Cache {
	cacheDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Printf("Warning: cache dir failed: %v\n", err)
		return nil
	}
	cacheTTL := time.Duration(cfg.Cache.CacheTTLOrDefault()) * time.Hour
	cache, err := store.Open(filepath.Join(cacheDir, "cache.db"), cacheTTL)
	if err != nil {
		fmt.Printf("Warning: cache open failed: %v\n", err)
		return nil
	}
	return cache
}

func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		log.Warn().Err(err).Msg("failed to read random bytes for session id")
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "symbloop.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	return nil
}

func listSessions(db *store.Cache) {
	if db == nil {
		fmt.Println("No cache available")
		return
	}
	sessions, err := db.ListSessions()
	if err != nil {
		fmt.Printf("Error listing sessions: %v\n", err)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return
	}
	for _, s := range sessions {
		ts := s.Timestamp.Format("2006-01-02 15:04")
		preview := strings.ReplaceAll(s.Preview, "\n", " ")
		if len(preview) > 50 {
			preview = preview[:50]
		}
		fmt.Printf("%s %s %s\n", s.ID, ts, preview)
	}
}

func resolveSession(flagSession string, flagContinue bool, db *store.Cache) string {
	switch {
	case flagSession != "":
		if db != nil {
			ok, err := db.SessionExists(flagSession)
			if err != nil || !ok {
				fmt.Printf("Session %q not found\n", flagSession)
				os.Exit(1)
			}
		}
		return flagSession

	case flagContinue:
		if db == nil {
			fmt.Println("No cache available")
			os.Exit(1)
		}
		id, err := db.LatestSessionID()
		if err != nil {
			fmt.Printf("No sessions to continue: %v\n", err)
			os.Exit(1)
		}
		return id

	default:
		sid := newSessionID()
		if db != nil {
			if err := db.CreateSession(sid); err != nil {
				fmt.Printf("Warning: failed to create session: %v\n", err)
			}
		}
		return sid
	}
}
