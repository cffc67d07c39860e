// workflow-server hosts the workflow engine behind an HTTP and WebSocket
// surface: definition execution, instance control, message webhooks, and the
// live event stream.
package main

import (
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/flowengine/cmd/workflow-server/handlers"
	"github.com/lyzr/flowengine/cmd/workflow-server/ws"
	"github.com/lyzr/flowengine/common/bus"
	"github.com/lyzr/flowengine/common/config"
	"github.com/lyzr/flowengine/common/email"
	"github.com/lyzr/flowengine/common/engine"
	"github.com/lyzr/flowengine/common/engine/executor"
	"github.com/lyzr/flowengine/common/events"
	"github.com/lyzr/flowengine/common/expr"
	"github.com/lyzr/flowengine/common/llm"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/common/server"
	"github.com/lyzr/flowengine/common/tools"
)

func main() {
	cfg, err := config.Load("workflow-server")
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	log.Info("starting workflow-server",
		"port", cfg.Service.Port,
		"environment", cfg.Service.Environment,
	)

	store, err := events.OpenStore(cfg.Events.DBPath)
	if err != nil {
		log.Error("failed to open event store", "path", cfg.Events.DBPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	broker := events.NewBroker(store, cfg.Events.ReplayDelay, log)
	messageBus := bus.New(log)

	if cfg.Redis.Addr != "" {
		mirror, err := events.NewRedisMirror(cfg.Redis.Addr, cfg.Redis.Channel, log)
		if err != nil {
			log.Warn("redis mirror unavailable, continuing without it", "error", err)
		} else {
			broker.Register(mirror)
			defer mirror.Close()
		}
	}

	var streamer llm.Streamer
	if cfg.Model.APIKey != "" {
		streamer = llm.NewOpenRouterStreamer(cfg.Model.APIKey, cfg.Model.BaseURL, cfg.Model.AppURL, cfg.Model.AppName)
		log.Info("model streaming via OpenRouter", "base_url", cfg.Model.BaseURL)
	} else {
		streamer = llm.NewSimulatedStreamer(20 * time.Millisecond)
		log.Info("no model key configured, using simulated streaming")
	}

	var mailer email.Mailer
	if cfg.Email.SMTPHost != "" {
		mailer = email.NewSMTPMailer(cfg.Email.SMTPHost, cfg.Email.SMTPPort, cfg.Email.SMTPUser, cfg.Email.SMTPPass)
		log.Info("mail delivery via SMTP", "host", cfg.Email.SMTPHost)
	} else {
		mailer = email.NewLogMailer(log)
		log.Info("no SMTP relay configured, mail is logged only")
	}

	var invoker tools.Invoker
	if cfg.Tools.KBServiceURL != "" {
		invoker = tools.NewHTTPInvoker(cfg.Tools.KBServiceURL, cfg.Tools.KBAPIKey)
		log.Info("tool backend attached", "url", cfg.Tools.KBServiceURL)
	} else {
		invoker = tools.NewStaticInvoker(nil)
		log.Info("no tool backend configured, using simulated tools")
	}

	env := &executor.Env{
		Broker:   broker,
		Bus:      messageBus,
		Expr:     expr.NewEvaluator(),
		Mailer:   mailer,
		Streamer: streamer,
		Tools:    invoker,
		Log:      log,
		Options: executor.Options{
			PublicBaseURL:  cfg.Service.PublicBaseURL,
			DefaultFrom:    cfg.Email.DefaultFrom,
			DefaultTo:      cfg.Email.DefaultTo,
			DefaultModel:   "openai/gpt-4o-mini",
			MaxTokens:      cfg.Model.MaxTokens,
			DemoMaxTimer:   cfg.Engine.DemoMaxTimer,
			ReceiveTimeout: cfg.Engine.ReceiveTimeout,
		},
	}
	eng := engine.New(env)

	h := &handlers.Handler{
		Engine: eng,
		Broker: broker,
		Bus:    messageBus,
		Log:    log,
	}
	hub := ws.NewHub(broker, log)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	handlers.Register(e, h)
	e.GET("/ws", hub.Serve)

	srv := server.New("workflow-server", cfg.Service.Port, e, log)
	if err := srv.Start(); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
