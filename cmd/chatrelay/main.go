package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/chatrelay/admin"
	"github.com/hrygo/chatrelay/ai"
	"github.com/hrygo/chatrelay/compose"
	"github.com/hrygo/chatrelay/dispatch"
	"github.com/hrygo/chatrelay/engine"
	"github.com/hrygo/chatrelay/internal/profile"
	"github.com/hrygo/chatrelay/internal/version"
	"github.com/hrygo/chatrelay/metrics"
	"github.com/hrygo/chatrelay/plugin/telegram"
	"github.com/hrygo/chatrelay/server"
	"github.com/hrygo/chatrelay/store"
	"github.com/hrygo/chatrelay/store/db/sqlite"
	"github.com/hrygo/chatrelay/webhook"
)

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: `A conversational relay between a chat-platform webhook and an LLM assistant.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// .env is a development convenience; absence is fine.
		_ = godotenv.Load()
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode: viper.GetString("mode"),
			Addr: viper.GetString("addr"),
			Port: viper.GetInt("port"),
			Data: viper.GetString("data"),
			DSN:  viper.GetString("dsn"),
		}
		instanceProfile.FromEnv()
		instanceProfile.Version = version.GetCurrentVersion(instanceProfile.Mode)
		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid profile", "error", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := run(ctx, cancel, instanceProfile); err != nil {
			slog.Error("chatrelay exited with error", "error", err)
			os.Exit(1)
		}
	},
}

func run(ctx context.Context, cancel context.CancelFunc, p *profile.Profile) error {
	db, err := sqlite.NewDB(p.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := sqlite.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	storage := store.New(db, 0)
	kv := store.NewKV(db)

	var aiQueue *ai.Queue
	if p.AIAPIKey != "" {
		queueCfg := ai.LoadConfig(ctx, kv)
		if len(p.AIBaseURLs) > 0 {
			queueCfg.BaseURLs = p.AIBaseURLs
		}
		client := ai.NewClient(ai.ClientConfig{
			APIKey: p.AIAPIKey,
			Model:  p.AIModel,
		})
		aiQueue = ai.NewQueue(queueCfg, client)
	} else {
		slog.Warn("main: no AI api key configured, replies run no-op")
	}

	var exporter *metrics.Exporter
	if aiQueue != nil {
		exporter = metrics.NewExporter(aiQueue)
	} else {
		exporter = metrics.NewExporter(nil)
	}

	var (
		transport *telegram.Transport
		messaging *dispatch.Dispatcher
	)
	if p.BotToken != "" {
		transport, err = telegram.NewTransport(p.BotToken)
		if err != nil {
			return fmt.Errorf("telegram transport: %w", err)
		}
		dispatchCfg := dispatch.DefaultConfig()
		dispatchCfg.OnRetry = exporter.ObserveDispatchRetry
		messaging = dispatch.NewDispatcher(transport, dispatchCfg)
	} else {
		slog.Warn("main: no bot token configured, messaging runs no-op")
	}

	opts := compose.Options{Storage: storage, KV: kv}
	if messaging != nil {
		opts.Messaging = messaging
	}
	if aiQueue != nil {
		opts.AI = aiQueue
	}
	app := compose.Build(opts)
	app.Engine.OnStorageDegradation(exporter.SetStorageDegraded)

	whitelist := admin.NewWhitelistCache(kv, admin.DefaultWhitelistTTL)
	gate := admin.NewGate(admin.Options{
		Whitelist: whitelist,
		KV:        kv,
		Messaging: app.Messaging,
		Exporter:  storage,
		RateLimit: app.RawRateLimit,
		Status:    func() string { return statusText(app) },
	})
	decoder := webhook.NewDecoder(kv, nil)

	srvOpts := server.Options{
		App:       app,
		Gate:      gate,
		Decoder:   decoder,
		Profile:   p,
		Exporter:  storage,
		Metrics:   exporter,
		Whitelist: whitelist,
	}
	if transport != nil {
		srvOpts.Bot = transport
	}
	srv := server.New(srvOpts)

	c := make(chan os.Signal, 1)
	signal.Notify(c, terminationSignals...)
	go func() {
		<-c
		slog.Info("main: shutdown signal received")
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("main: shutdown failed", "error", err)
		}
		cancel()
	}()

	printGreetings(p)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-ctx.Done()
	return nil
}

func statusText(app *compose.App) string {
	text := fmt.Sprintf("chatrelay %s is up.", version.Version)
	if provider, ok := app.AI.(engine.QueueStatsProvider); ok {
		s := provider.QueueStats()
		text += fmt.Sprintf(" queue: %d active, %d queued, %d dropped", s.Active, s.Queued, s.DroppedSinceBoot)
	}
	return text
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 8080)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 8080, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("dsn", "", "database source name (aka. DSN)")

	for _, flag := range []string{"mode", "addr", "port", "data", "dsn"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("chatrelay")
	viper.AutomaticEnv()
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("ChatRelay %s started successfully!\n", p.Version)
	if p.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
		fmt.Fprintf(os.Stderr, "Database: %s\n", p.DSN)
	}
	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Mode: %s\n", p.Mode)
	if p.Addr == "" {
		fmt.Printf("Server running on port %d\n", p.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", p.Addr, p.Port)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
