package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/command"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/controller"
	"github.com/nextlevelbuilder/chatbridge/internal/conversation"
	"github.com/nextlevelbuilder/chatbridge/internal/message"
	"github.com/nextlevelbuilder/chatbridge/internal/personas"
	"github.com/nextlevelbuilder/chatbridge/internal/platform"
	"github.com/nextlevelbuilder/chatbridge/internal/platform/lark"
	"github.com/nextlevelbuilder/chatbridge/internal/platform/onebot"
	"github.com/nextlevelbuilder/chatbridge/internal/responder"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
	"github.com/nextlevelbuilder/chatbridge/internal/store/pg"
	"github.com/nextlevelbuilder/chatbridge/internal/store/sqlite"
)

func runServe() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Conversation state + sweeper
	convs := conversation.NewStore()
	idleTimeout := time.Duration(cfg.Bot.IdleTimeoutMin) * time.Minute
	if idleTimeout > 0 {
		convs.StartSweeper(ctx, 5*time.Minute, idleTimeout)
		defer convs.StopSweeper()
	}

	// Personas
	personaReg := buildPersonas(cfg.Personas)

	// Responder
	var resp *responder.OpenAI
	if cfg.Responder.APIKey != "" {
		resp, err = responder.NewOpenAI(responder.Options{
			APIKey:       cfg.Responder.APIKey,
			BaseURL:      cfg.Responder.BaseURL,
			DefaultModel: cfg.Responder.Model,
			Models:       cfg.Responder.Models,
			HistoryTurns: cfg.Bot.HistoryTurns,
		}, convs, personaReg)
		if err != nil {
			slog.Error("failed to create responder", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("no responder API key configured, only commands will be answered")
	}

	// Durable store
	persist := openPersistentStore(cfg.Database)
	if persist != nil {
		defer persist.Close()
		startRetentionLoop(ctx, persist, cfg.Database.RetentionDays)
	}

	// Parser registry + controller
	parsers := platform.NewRegistry()
	ctrl := controller.New(botOptions(cfg.Bot), parsers, convs)

	ctrl.Use(controller.LoggingMiddleware())
	ctrl.Use(controller.DedupeMiddleware(time.Duration(cfg.Bot.DedupTTLSec)*time.Second, 0))
	if cfg.Bot.RateLimitRPM > 0 {
		ctrl.Use(controller.RateLimitMiddleware(cfg.Bot.RateLimitRPM, cfg.Bot.RateLimitBurst))
	}

	if resp != nil {
		ctrl.SetResponder(resp)
	}
	if persist != nil {
		ctrl.SetPersistentStore(persist)
	}

	// Platforms are wired first (parsers, transports, admin surface); the
	// returned listeners are not launched until the interpreter is set, so
	// inbound traffic never races the controller wiring.
	var admin command.AdminCapability
	var starts, shutdowns []func()

	if cfg.Platforms.Lark.Enabled {
		start, stop, a, lErr := wireLark(ctx, cfg.Platforms.Lark, parsers, ctrl)
		if lErr != nil {
			slog.Error("failed to start lark platform", "error", lErr)
			os.Exit(1)
		}
		starts = append(starts, start)
		shutdowns = append(shutdowns, stop)
		if admin == nil {
			admin = a
		}
	}

	if cfg.Platforms.OneBot.Enabled {
		start, stop, a, oErr := wireOneBot(ctx, cfg.Platforms.OneBot, parsers, ctrl)
		if oErr != nil {
			slog.Error("failed to start onebot platform", "error", oErr)
			os.Exit(1)
		}
		starts = append(starts, start)
		shutdowns = append(shutdowns, stop)
		if admin == nil {
			admin = a
		}
	}

	// Command interpreter (after transport wiring so /stats can probe the
	// platform, before any listener starts)
	var models command.ModelSwitcher
	if resp != nil {
		models = resp
	}
	interp := command.NewInterpreter(cfg.Bot.CommandPrefix, command.Collaborators{
		Store:    convs,
		Models:   models,
		Personas: personaReg,
		Admin:    admin,
	})
	ctrl.SetInterpreter(interp)

	// Config hot reload for mutable settings; the callback pushes the fresh
	// gating and reply options into the live controller.
	onReload := func(fresh *config.Config) {
		bot := fresh.Snapshot().Bot
		ctrl.SetOptions(botOptions(bot))
		slog.Info("bot options reloaded", "enabled", bot.IsEnabled(), "max_reply_length", bot.MaxReplyLength)
	}
	if watcher, wErr := config.NewWatcher(cfgPath, cfg, onReload); wErr != nil {
		slog.Warn("config watcher unavailable", "error", wErr)
	} else if wErr := watcher.Start(ctx); wErr != nil {
		slog.Warn("config watcher start failed", "error", wErr)
	}

	for _, start := range starts {
		start()
	}

	slog.Info("chatbridge started",
		"version", Version,
		"lark", cfg.Platforms.Lark.Enabled,
		"onebot", cfg.Platforms.OneBot.Enabled,
		"responder", resp != nil,
		"store", cfg.Database.Engine,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("graceful shutdown initiated", "signal", sig)

	for _, stop := range shutdowns {
		stop()
	}
	cancel()
}

func setupLogging(lc config.LoggingConfig) {
	level := slog.LevelInfo
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func buildPersonas(pc config.PersonasConfig) *personas.Registry {
	reg := personas.NewRegistry(pc.Default)
	for name, spec := range pc.List {
		if err := reg.Register(personas.Persona{
			Name:        name,
			Description: spec.Description,
			Prompt:      spec.Prompt,
		}); err != nil {
			slog.Warn("skipping persona", "name", name, "error", err)
		}
	}
	return reg
}

// botOptions maps the bot config section onto controller options. Used at
// startup and again on every config reload.
func botOptions(bc config.BotConfig) controller.Options {
	return controller.Options{
		Enabled:          bc.IsEnabled(),
		ChatTypes:        chatTypes(bc.ChatTypes),
		RequireMention:   bc.RequireMention,
		MaxReplyLength:   bc.MaxReplyLength,
		ResponderTimeout: time.Duration(bc.ResponderTimeoutSec) * time.Second,
		ErrorReply:       bc.ErrorReply,
	}
}

func chatTypes(names []string) []message.ChatType {
	var out []message.ChatType
	for _, n := range names {
		out = append(out, message.ChatType(n))
	}
	return out
}

// openPersistentStore selects the durable backend from config. Engine ""
// disables persistence.
func openPersistentStore(dc config.DatabaseConfig) store.ConversationStore {
	switch dc.Engine {
	case "":
		return nil
	case "sqlite":
		s, err := sqlite.New(config.ExpandHome(dc.Path))
		if err != nil {
			slog.Error("sqlite store unavailable, persistence disabled", "error", err)
			return nil
		}
		slog.Info("sqlite store opened", "path", dc.Path)
		return s
	case "postgres":
		if dc.PostgresDSN == "" {
			slog.Error("postgres engine selected but CHATBRIDGE_POSTGRES_DSN not set, persistence disabled")
			return nil
		}
		s, err := pg.New(dc.PostgresDSN)
		if err != nil {
			slog.Error("postgres store unavailable, persistence disabled", "error", err)
			return nil
		}
		slog.Info("postgres store opened")
		return s
	default:
		slog.Error("unknown database engine, persistence disabled", "engine", dc.Engine)
		return nil
	}
}

func startRetentionLoop(ctx context.Context, ps store.ConversationStore, days int) {
	if days <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := ps.CleanupOlderThan(ctx, days)
				if err != nil {
					slog.Warn("retention cleanup failed", "error", err)
				} else if n > 0 {
					slog.Info("retention cleanup", "deleted", n, "older_than_days", days)
				}
			}
		}
	}()
}

// wireLark builds the Lark client, parser, transport, and webhook server.
// The returned start launches the HTTP listener; callers invoke it only
// after the whole message path is wired.
func wireLark(ctx context.Context, lc config.LarkConfig, parsers *platform.Registry, ctrl *controller.Controller) (func(), func(), command.AdminCapability, error) {
	if lc.AppID == "" || lc.AppSecret == "" {
		return nil, nil, nil, fmt.Errorf("lark app_id and app_secret are required")
	}

	client := lark.NewClient(lc.AppID, lc.AppSecret, lc.Domain)

	// The bot's own open_id drives mention detection; probe it unless
	// pinned in config.
	botOpenID := lc.BotOpenID
	if botOpenID == "" {
		probeCtx, probeCancel := context.WithTimeout(ctx, 10*time.Second)
		id, err := client.GetBotInfo(probeCtx)
		probeCancel()
		if err != nil {
			slog.Warn("lark bot probe failed, mention detection degraded", "error", err)
		} else {
			botOpenID = id
			slog.Info("lark bot connected", "bot_open_id", botOpenID)
		}
	}

	parsers.Register(lark.NewParser(botOpenID))
	transport := lark.NewTransport(client)
	ctrl.RegisterTransport(transport)

	handler := lark.NewWebhookHandler(lc.VerificationToken, lc.EncryptKey, func(payload []byte) {
		ctrl.Ingest(context.Background(), payload)
	})

	mux := http.NewServeMux()
	mux.HandleFunc(lc.WebhookPath, handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: lc.Listen, Handler: mux}
	start := func() {
		go func() {
			slog.Info("lark webhook listening", "addr", lc.Listen, "path", lc.WebhookPath)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("lark webhook server error", "error", err)
			}
		}()
	}

	stop := func() { server.Close() }
	return start, stop, transport, nil
}

// wireOneBot builds the OneBot caller (reverse WS, forward WS, or HTTP),
// parser, and transport. Like wireLark, the returned start is deferred
// until wiring is complete.
func wireOneBot(ctx context.Context, oc config.OneBotConfig, parsers *platform.Registry, ctrl *controller.Controller) (func(), func(), command.AdminCapability, error) {
	parsers.Register(onebot.NewParser(oc.SelfID))

	handler := func(payload []byte) {
		ctrl.Ingest(context.Background(), payload)
	}

	var caller onebot.Caller
	start := func() {}
	stop := func() {}

	switch oc.Mode {
	case "", "reverse":
		srv := onebot.NewReverseServer(oc.Listen, oc.Path, oc.AccessToken, handler)
		start = func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("onebot reverse server error", "error", err)
			}
		}
		caller = srv
		stop = srv.Stop
	case "forward":
		if oc.URL == "" {
			return nil, nil, nil, fmt.Errorf("onebot forward mode requires url")
		}
		ws := onebot.NewWSCaller(oc.URL, oc.AccessToken, handler)
		start = func() {
			go func() {
				if err := ws.Start(ctx); err != nil {
					slog.Error("onebot ws error", "error", err)
				}
			}()
		}
		caller = ws
	case "http":
		if oc.URL == "" {
			return nil, nil, nil, fmt.Errorf("onebot http mode requires url")
		}
		// API calls only; events must arrive via another mode.
		caller = onebot.NewHTTPCaller(oc.URL, oc.AccessToken)
		slog.Warn("onebot http mode: outbound API only, no event push")
	default:
		return nil, nil, nil, fmt.Errorf("unknown onebot mode %q", oc.Mode)
	}

	transport := onebot.NewTransport(caller)
	ctrl.RegisterTransport(transport)
	return start, stop, transport, nil
}
