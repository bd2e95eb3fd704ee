// Package chat parses chat command flags and composes the chat service from
// its store, gate, presence channel, push provider, and attachment store.
package chat

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	entrypoint "github.com/tsupport/supportchat/internal/platform/cmd"
	platformgrpc "github.com/tsupport/supportchat/internal/platform/grpc"
	"github.com/tsupport/supportchat/internal/platform/id"
	"github.com/tsupport/supportchat/internal/platform/timeouts"
	"github.com/tsupport/supportchat/internal/services/chat/access"
	"github.com/tsupport/supportchat/internal/services/chat/agentauth"
	server "github.com/tsupport/supportchat/internal/services/chat/app"
	"github.com/tsupport/supportchat/internal/services/chat/attachments"
	"github.com/tsupport/supportchat/internal/services/chat/feed"
	"github.com/tsupport/supportchat/internal/services/chat/lifecycle"
	"github.com/tsupport/supportchat/internal/services/chat/presence"
	chatrender "github.com/tsupport/supportchat/internal/services/chat/render"
	"github.com/tsupport/supportchat/internal/services/chat/storage/sqlite"
	"github.com/tsupport/supportchat/internal/services/notifications"
	notificationsrender "github.com/tsupport/supportchat/internal/services/notifications/render"
	"github.com/tsupport/supportchat/internal/services/notifications/webpush"
)

// Config holds chat command configuration.
type Config struct {
	HTTPAddr      string `env:"TSUPPORT_CHAT_HTTP_ADDR"   envDefault:":8090"`
	GRPCAddr      string `env:"TSUPPORT_CHAT_GRPC_ADDR"   envDefault:":8091"`
	DBPath        string `env:"TSUPPORT_CHAT_DB_PATH"     envDefault:"data/chat.db"`
	SecureCookies bool   `env:"TSUPPORT_CHAT_SECURE_COOKIES"`
	SystemLocale  string `env:"TSUPPORT_SYSTEM_LOCALE"    envDefault:"en-US"`

	AllowedCustomerIDs     []string `env:"TSUPPORT_ALLOWED_CUSTOMER_IDS" envSeparator:","`
	AllowedCustomerIDsFile string   `env:"TSUPPORT_ALLOWED_CUSTOMER_IDS_FILE"`

	AgentTokenSecret string `env:"TSUPPORT_AGENT_TOKEN_SECRET"`

	RedisAddr     string `env:"TSUPPORT_REDIS_ADDR"`
	RedisPassword string `env:"TSUPPORT_REDIS_PASSWORD"`
	RedisDB       int    `env:"TSUPPORT_REDIS_DB"`

	VAPIDPublicKey  string `env:"TSUPPORT_VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"TSUPPORT_VAPID_PRIVATE_KEY"`
	VAPIDSubject    string `env:"TSUPPORT_VAPID_SUBJECT" envDefault:"mailto:support@example.com"`

	AttachmentsBucket          string `env:"TSUPPORT_ATTACHMENTS_BUCKET"`
	AttachmentsEndpoint        string `env:"TSUPPORT_ATTACHMENTS_ENDPOINT"`
	AttachmentsRegion          string `env:"TSUPPORT_ATTACHMENTS_REGION"`
	AttachmentsPublicBaseURL   string `env:"TSUPPORT_ATTACHMENTS_PUBLIC_BASE_URL"`
	AttachmentsAccessKeyID     string `env:"TSUPPORT_ATTACHMENTS_ACCESS_KEY_ID"`
	AttachmentsSecretAccessKey string `env:"TSUPPORT_ATTACHMENTS_SECRET_ACCESS_KEY"`

	// Probe checks a running server's health endpoint and exits.
	Probe bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "chat HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "chat gRPC health listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "chat SQLite database path")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for presence broadcast (empty uses an in-process hub)")
	fs.StringVar(&cfg.SystemLocale, "locale", cfg.SystemLocale, "locale of system messages and push copy")
	fs.BoolVar(&cfg.SecureCookies, "secure-cookies", cfg.SecureCookies, "mark the customer session cookie Secure")
	fs.BoolVar(&cfg.Probe, "probe", false, "check the health endpoint of a running server and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the chat app and serves it until ctx ends. With Probe set it
// only checks the health endpoint.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Probe {
		return probe(ctx, cfg.GRPCAddr)
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChat, func(ctx context.Context) error {
		services, cleanup, err := buildServices(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := server.Run(ctx, server.Config{
			HTTPAddr:      cfg.HTTPAddr,
			GRPCAddr:      cfg.GRPCAddr,
			SecureCookies: cfg.SecureCookies,
		}, services); err != nil {
			return fmt.Errorf("serve chat: %w", err)
		}
		return nil
	})
}

func probe(ctx context.Context, addr string) error {
	return platformgrpc.Probe(ctx, dialAddr(addr), timeouts.GRPCProbe, log.Printf)
}

// dialAddr turns a listen address like ":8091" into a dialable one.
func dialAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

// buildServices opens every collaborator. Optional ones that are not
// configured are left off and logged; cleanup releases what was opened.
func buildServices(ctx context.Context, cfg Config) (server.Services, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (server.Services, func(), error) {
		cleanup()
		return server.Services{}, func() {}, err
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fail(fmt.Errorf("create chat db dir: %w", err))
		}
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fail(fmt.Errorf("open chat store: %w", err))
	}
	closers = append(closers, func() {
		if err := store.Close(); err != nil {
			log.Printf("chat: close store: %v", err)
		}
	})

	allowed, err := access.LoadStatic(cfg.AllowedCustomerIDs, cfg.AllowedCustomerIDsFile)
	if err != nil {
		return fail(err)
	}
	gate := access.NewGate(allowed, store)

	secret, err := agentauth.DecodeSecret(cfg.AgentTokenSecret)
	if err != nil {
		return fail(fmt.Errorf("agent token secret: %w", err))
	}
	verifier, err := agentauth.NewVerifier(agentauth.Config{Secret: secret})
	if err != nil {
		return fail(err)
	}

	options := []lifecycle.Option{lifecycle.WithLocalizer(chatrender.Printer(cfg.SystemLocale))}

	vapidPublicKey := ""
	if strings.TrimSpace(cfg.VAPIDPublicKey) != "" || strings.TrimSpace(cfg.VAPIDPrivateKey) != "" {
		provider, err := webpush.New(webpush.Config{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
			Subject:    cfg.VAPIDSubject,
		})
		if err != nil {
			return fail(fmt.Errorf("push provider: %w", err))
		}
		vapidPublicKey = provider.PublicKey()
		dispatcher := notifications.NewDispatcher(store, provider,
			notifications.WithLocalizer(notificationsrender.Printer(cfg.SystemLocale)),
		)
		options = append(options, lifecycle.WithNotifier(dispatcher))
	} else {
		log.Printf("chat: push notifications disabled: no VAPID key pair configured")
	}

	if strings.TrimSpace(cfg.AttachmentsBucket) != "" {
		objects, err := attachments.NewS3Store(ctx, attachments.S3Config{
			Bucket:          cfg.AttachmentsBucket,
			Endpoint:        cfg.AttachmentsEndpoint,
			Region:          cfg.AttachmentsRegion,
			AccessKeyID:     cfg.AttachmentsAccessKeyID,
			SecretAccessKey: cfg.AttachmentsSecretAccessKey,
			PublicBaseURL:   cfg.AttachmentsPublicBaseURL,
		})
		if err != nil {
			return fail(fmt.Errorf("attachment store: %w", err))
		}
		options = append(options, lifecycle.WithUploader(attachments.NewService(objects, id.NewID)))
	} else {
		log.Printf("chat: attachments disabled: no bucket configured")
	}

	var channel presence.Channel
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client, err := presence.OpenRedis(ctx, presence.RedisConfig{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return fail(err)
		}
		redisChannel := presence.NewRedisChannel(client, log.Printf)
		channel = redisChannel
		closers = append(closers, func() {
			redisChannel.Close()
			_ = client.Close()
		})
	} else {
		channel = presence.NewMemoryChannel()
	}

	manager := lifecycle.NewManager(store, gate, options...)
	closers = append(closers, manager.Wait)

	return server.Services{
		Store:          store,
		Lifecycle:      manager,
		Feed:           feed.NewAdapter(store, log.Printf),
		Presence:       channel,
		Agents:         verifier,
		VAPIDPublicKey: vapidPublicKey,
	}, cleanup, nil
}
