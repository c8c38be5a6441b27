package routes

import (
	"context"
	"fmt"
	"log/slog"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"
	"github.com/servimatch/MarketplaceBack/internal/cache"
	"github.com/servimatch/MarketplaceBack/internal/config"
	"github.com/servimatch/MarketplaceBack/internal/database"
	"github.com/servimatch/MarketplaceBack/internal/ids"
	"github.com/servimatch/MarketplaceBack/internal/memstore"
	"github.com/servimatch/MarketplaceBack/internal/realtime"
	"github.com/servimatch/MarketplaceBack/internal/repository"
	"github.com/servimatch/MarketplaceBack/internal/services"
)

const identityCachePrefix = "identity:"

// Backend holds the chat services and the connections they run on.
type Backend struct {
	Directory   *services.ConversationDirectory
	Messages    *services.MessageStream
	Typing      *services.TypingSignal
	Identities  *services.IdentityResolver
	Attachments *services.AttachmentService

	broker        realtime.Broker
	cacheClient   *redis.Client
	identityCache *cache.Cache
	db            *database.Handle
}

// Health is the body of the health endpoint.
type Health struct {
	Status        string               `json:"status"`
	IdentityCache *cache.StatsSnapshot `json:"identity_cache,omitempty"`
}

// NewBackend builds the services for cfg. The store, broker and identity
// cache are picked by the config drivers.
func NewBackend(ctx context.Context, cfg *config.Config) (*Backend, error) {
	gen, err := ids.Init(cfg.NodeID)
	if err != nil {
		return nil, err
	}

	b := &Backend{}
	redisClient, err := b.connectBroker(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var identityOpts []services.IdentityOption
	if client := b.identityCacheClient(ctx, cfg, redisClient); client != nil {
		b.identityCache = cache.New(client, identityCachePrefix, cfg.IdentityCacheTTL)
		identityOpts = append(identityOpts, services.WithSharedCache(b.identityCache))
	}

	var storage services.StorageService
	if cfg.SupabaseURL != "" && cfg.SupabaseBucket != "" && cfg.SupabaseServiceKey != "" {
		storage = services.NewSupabaseStorageService(cfg.SupabaseURL, cfg.SupabaseBucket, cfg.SupabaseServiceKey)
	}

	mode := services.CreateMode(cfg.CreateMode)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		store := memstore.New()
		b.Directory = services.NewConversationDirectory(store.Conversations(), b.broker, gen, mode)
		b.Messages = services.NewMessageStream(store.Conversations(), store.Messages(), b.broker, gen, b.attachments(storage)...)
		b.Typing = services.NewTypingSignal(store.Typing(), b.broker, cfg.TypingTTL)
		b.Identities = services.NewIdentityResolver(store.Users(), identityOpts...)
	default:
		b.db = database.Default(cfg.DBUrl)
		pool, err := b.db.Pool(ctx)
		if err != nil {
			_ = b.close(ctx)
			return nil, fmt.Errorf("connect database: %w", err)
		}
		conversations := repository.NewConversationRepository(pool)
		b.Directory = services.NewConversationDirectory(conversations, b.broker, gen, mode)
		b.Messages = services.NewMessageStream(conversations, repository.NewMessageRepository(pool), b.broker, gen, b.attachments(storage)...)
		b.Typing = services.NewTypingSignal(repository.NewTypingRepository(pool), b.broker, cfg.TypingTTL)
		b.Identities = services.NewIdentityResolver(repository.NewUserRepository(pool), identityOpts...)
	}

	slog.Info("chat backend ready",
		"store", cfg.StoreDriver,
		"broker", cfg.BrokerDriver,
		"create_mode", cfg.CreateMode,
		"identity_cache", b.identityCache != nil,
		"attachments", b.Attachments != nil,
	)
	return b, nil
}

// attachments builds b.Attachments on b.Directory and returns the message
// options that accept its uploads. Without storage nothing is built.
func (b *Backend) attachments(storage services.StorageService) []services.MessageOption {
	if storage == nil {
		return nil
	}
	b.Attachments = services.NewAttachmentService(b.Directory, storage)
	return []services.MessageOption{services.WithAttachmentVerifier(b.Attachments)}
}

// Health reports "degraded" when the identity cache is configured but Redis
// does not answer. The chat keeps working without it.
func (b *Backend) Health(ctx context.Context) Health {
	health := Health{Status: "ok"}
	if b.identityCache == nil {
		return health
	}
	stats := b.identityCache.GetStats()
	health.IdentityCache = &stats
	if err := b.identityCache.Ping(ctx); err != nil {
		slog.WarnContext(ctx, "identity cache ping failed", "error", err)
		health.Status = "degraded"
	}
	return health
}

// connectBroker sets b.broker. The redis client is returned so the identity
// cache can share it.
func (b *Backend) connectBroker(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	switch cfg.BrokerDriver {
	case config.BrokerDriverRedis:
		client, err := realtime.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.broker = realtime.NewRedisBroker(client)
		return client, nil
	case config.BrokerDriverNATS:
		conn, err := realtime.DialNATS(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		b.broker = realtime.NewNATSBroker(conn)
		return nil, nil
	default:
		hub := realtime.NewHub()
		go hub.Run()
		b.broker = hub
		return nil, nil
	}
}

// identityCacheClient returns the client for the shared identity cache, or
// nil when Redis is not configured or unreachable. The cache is optional.
func (b *Backend) identityCacheClient(ctx context.Context, cfg *config.Config, brokerClient *redis.Client) *redis.Client {
	if brokerClient != nil {
		return brokerClient
	}
	if cfg.RedisURL == "" {
		return nil
	}
	client, err := realtime.DialRedis(ctx, cfg.RedisURL)
	if err != nil {
		slog.Warn("identity cache disabled", "error", err)
		return nil
	}
	b.cacheClient = client
	return client
}

// ShutdownOperations lists the connections to release on shutdown, keyed by
// name for gfshutdown.
func (b *Backend) ShutdownOperations() map[string]gfshutdown.Operation {
	ops := map[string]gfshutdown.Operation{
		"broker": func(context.Context) error {
			return b.broker.Close()
		},
	}
	if b.cacheClient != nil {
		ops["identity-cache"] = func(context.Context) error {
			return b.cacheClient.Close()
		}
	}
	if b.db != nil {
		ops["database"] = func(context.Context) error {
			b.db.Close()
			return nil
		}
	}
	return ops
}

func (b *Backend) close(ctx context.Context) error {
	var firstErr error
	for name, op := range b.ShutdownOperations() {
		if err := op(ctx); err != nil {
			slog.Warn("backend close failed", "resource", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
