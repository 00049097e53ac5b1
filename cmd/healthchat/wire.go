package main

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/suPer8Hu/healthchat/internal/ai"
	"github.com/suPer8Hu/healthchat/internal/chat"
	"github.com/suPer8Hu/healthchat/internal/config"
	"github.com/suPer8Hu/healthchat/internal/protocol"
	"github.com/suPer8Hu/healthchat/internal/store/redisstore"
)

// buildRegistry registers every transport; sessions pick one by name.
func buildRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	pick := func(model, def string) string {
		if m := strings.TrimSpace(model); m != "" {
			return m
		}
		return def
	}
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, pick(model, cfg.OllamaModel)), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, pick(model, cfg.OpenRouterModel), cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	reg.Register("openai", func(ctx context.Context, model string) (ai.Provider, error) {
		return ai.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, pick(model, cfg.OpenAIModel)), nil
	})
	reg.SetDefault(cfg.AIProvider)
	return reg
}

func buildGrammar(keywordFile string) (*protocol.Grammar, error) {
	if keywordFile == "" {
		return protocol.NewGrammar(), nil
	}
	classifier, err := protocol.LoadKeywordFile(keywordFile)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"file": keywordFile, "keywords": len(classifier.Keywords())}).Info("red flag keywords loaded")
	return protocol.NewGrammar(protocol.WithSafetyClassifier(classifier)), nil
}

// buildLocker prefers the shared redis lock and falls back to a
// process-local one when redis is unreachable.
func buildLocker(ctx context.Context, cfg config.Config) (chat.Locker, func()) {
	rs := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rs.Ping(pctx); err != nil {
		_ = rs.Close()
		log.WithError(err).Warn("redis unavailable, using process-local turn lock")
		return chat.NewLocalLocker(), func() {}
	}
	return rs, func() { _ = rs.Close() }
}

func buildService(gdb *gorm.DB, cfg config.Config, locker chat.Locker) (*chat.Service, error) {
	grammar, err := buildGrammar(cfg.RedFlagKeywordsFile)
	if err != nil {
		return nil, err
	}
	return chat.NewService(chat.NewRepo(gdb), buildRegistry(cfg), chat.Options{
		Grammar:         grammar,
		Window:          cfg.ChatContextWindowSize,
		Locker:          locker,
		LockTTL:         cfg.TurnLockTTL,
		TurnTimeout:     cfg.TurnTimeout,
		DefaultProvider: cfg.AIProvider,
		DefaultModel:    cfg.DefaultModel(),
	}), nil
}

// inlinePublisher runs queued turns in-process when no broker is reachable.
type inlinePublisher struct {
	svc *chat.Service
}

func (p inlinePublisher) PublishJob(ctx context.Context, jobID string) error {
	go func() {
		if err := p.svc.ProcessJob(context.WithoutCancel(ctx), jobID); err != nil {
			log.WithError(err).WithField("job_id", jobID).Warn("inline job failed")
		}
	}()
	return nil
}
