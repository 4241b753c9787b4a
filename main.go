package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jirayu/concierge/agent/agents/orchestrator"
	auditx "github.com/jirayu/concierge/agent/audit"
	confirmx "github.com/jirayu/concierge/agent/confirm"
	contractx "github.com/jirayu/concierge/agent/contract"
	domainx "github.com/jirayu/concierge/agent/domain"
	executorx "github.com/jirayu/concierge/agent/executor"
	llmx "github.com/jirayu/concierge/agent/llm"
	nodex "github.com/jirayu/concierge/agent/nodes"
	plannerx "github.com/jirayu/concierge/agent/planner"
	promptx "github.com/jirayu/concierge/agent/prompt"
	registryx "github.com/jirayu/concierge/agent/registry"
	riskx "github.com/jirayu/concierge/agent/risk"
	statex "github.com/jirayu/concierge/agent/state"
	channelx "github.com/jirayu/concierge/pkg/channel"
	configx "github.com/jirayu/concierge/pkg/config"
	_ "github.com/jirayu/concierge/pkg/logger/autoload"
	openrouterx "github.com/jirayu/concierge/pkg/openrouter"
)

type AppConfig struct {
	SessionID string `envconfig:"SESSION_ID" split_words:"true" default:"local"`
	UserID    string `envconfig:"USER_ID" split_words:"true" default:"local-user"`

	RedisEnabled   bool `envconfig:"REDIS_ENABLED" split_words:"true" default:"false"`
	ArchiveEnabled bool `envconfig:"ARCHIVE_ENABLED" split_words:"true" default:"false"`
	ChannelEnabled bool `envconfig:"CHANNEL_ENABLED" split_words:"true" default:"false"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appCfg := configx.MustNew[AppConfig]("concierge")

	llmCfg := configx.MustNew[llmx.Config]("openrouter")
	if err := llmCfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid model configuration")
	}

	store := buildStore(*appCfg)
	archive := buildArchive(ctx, *appCfg)

	reg, err := registryx.New(domainx.All()...)
	if err != nil {
		log.Fatal().Err(err).Msg("build tool registry")
	}

	prompts := promptx.LoadPromptSet()

	planCfg := llmCfg.OpenRouterFor(llmx.RolePlanner)
	if openrouterx.NewClient(planCfg) == nil {
		log.Fatal().Msg("openrouter client could not be initialized")
	}
	planModel, err := planCfg.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("build planner model")
	}
	confirmCfg := llmCfg.OpenRouterFor(llmx.RoleConfirm)
	confirmModel, err := confirmCfg.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("build confirmation model")
	}

	planner, err := plannerx.New(ctx, planModel, confirmModel, prompts.Planner, prompts.Confirmation, reg)
	if err != nil {
		log.Fatal().Err(err).Msg("build planner")
	}

	coordinator := confirmx.New(reg, archive, *configx.MustNew[confirmx.Config]("confirm"))
	exec := executorx.New(reg, envCredentials{}, archive, *configx.MustNew[executorx.Config]("executor"))

	svc, err := orchestrator.New(nodex.Deps{
		Store:       store,
		Planner:     planner,
		Registry:    reg,
		Classifier:  riskx.New(*configx.MustNew[riskx.Config]("risk")),
		Coordinator: coordinator,
		Executor:    exec,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build orchestrator")
	}

	sweeper := confirmx.NewSweeper(store, coordinator)
	go sweeper.Run(ctx)

	runREPL(ctx, svc, buildChannel(*appCfg), *appCfg)
}

// buildChannel returns the outbound webhook delivery, or nil to print
// replies locally only.
func buildChannel(cfg AppConfig) contractx.Channel {
	if !cfg.ChannelEnabled {
		return nil
	}
	client := channelx.MustNew(*configx.MustNew[channelx.Config]("channel"))
	return webhookChannel{client: client}
}

// webhookChannel adapts the generic webhook client to the engine's
// delivery seam.
type webhookChannel struct {
	client *channelx.Client
}

func (w webhookChannel) Deliver(ctx context.Context, sessionID string, msg contractx.OutboundMessage) error {
	return w.client.Publish(ctx, map[string]any{
		"session_id": sessionID,
		"message":    msg,
	})
}

func buildStore(cfg AppConfig) statex.Store {
	if !cfg.RedisEnabled {
		return statex.NewMemoryStore()
	}
	redisCfg := configx.MustNew[statex.UpstashRedisConfig]("upstash_redis")
	store, err := statex.NewUpstashRedisStore(*redisCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build redis session store")
	}
	return store
}

func buildArchive(ctx context.Context, cfg AppConfig) contractx.Archive {
	if !cfg.ArchiveEnabled {
		return confirmx.NoopArchive{}
	}
	archive, err := auditx.NewPostgres(*configx.MustNew[auditx.Config]("archive"))
	if err != nil {
		log.Fatal().Err(err).Msg("build audit archive")
	}
	if err := archive.CreateTables(ctx); err != nil {
		log.Fatal().Err(err).Msg("provision audit schema")
	}
	return archive
}

func runREPL(ctx context.Context, svc *orchestrator.Orchestrator, outbound contractx.Channel, cfg AppConfig) {
	fmt.Println("concierge ready; type a request (ctrl-d to quit)")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		out, err := svc.HandleMessage(ctx, contractx.InboundMessage{
			SessionID: cfg.SessionID,
			UserID:    cfg.UserID,
			Channel:   "repl",
			Text:      text,
			Timestamp: time.Now(),
		})
		if err != nil {
			log.Error().Err(err).Msg("message handling failed")
			continue
		}
		fmt.Println(out.DisplayText)

		if outbound != nil {
			if err := outbound.Deliver(ctx, cfg.SessionID, out); err != nil {
				log.Warn().Err(err).Msg("webhook delivery failed")
			}
		}
	}
}

// envCredentials resolves per-domain tokens from the environment, one
// variable per domain.
type envCredentials struct{}

func (envCredentials) Token(ctx context.Context, userID string, domain contractx.Domain) (string, error) {
	key := "CONCIERGE_TOKEN_" + strings.ToUpper(string(domain))
	token := strings.TrimSpace(os.Getenv(key))
	if token == "" {
		return "", fmt.Errorf("no token configured for domain=%s (set %s)", domain, key)
	}
	return token, nil
}
