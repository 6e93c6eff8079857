package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"DevCrew/internal/agent"
	"DevCrew/internal/api"
	"DevCrew/internal/config"
	"DevCrew/internal/executor"
	"DevCrew/internal/knowledge"
	"DevCrew/internal/legacy"
	"DevCrew/internal/llm/openai"
	"DevCrew/internal/observability/alerting"
	"DevCrew/internal/subtask"
	"DevCrew/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（留空时读取 DEVCREW_CONFIG）")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "devcrewd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	queue, err := buildQueue(cfg)
	if err != nil {
		_ = store.Close()
		return err
	}

	registry := agent.NewRegistry()

	exec, err := buildExecutor(cfg)
	if err != nil {
		return err
	}

	dispatcher, err := buildAlerting(cfg)
	if err != nil {
		return err
	}

	svc, err := subtask.NewService(store, queue)
	if err != nil {
		return err
	}
	defer func() {
		_ = svc.Close()
	}()

	scheduler, err := subtask.NewScheduler(exec, store, registry, queue,
		subtask.WithWorkerCount(cfg.Queue.Workers),
		subtask.WithAlertDispatcher(dispatcher),
	)
	if err != nil {
		return err
	}

	// 持久化后端里可能有上次进程留下的待调度子任务。
	if _, err := subtask.RecoverPending(ctx, store, queue); err != nil {
		return err
	}

	adapter, err := legacy.NewAdapter(svc,
		legacy.WithTimeout(time.Duration(cfg.Legacy.TimeoutSeconds)*time.Second),
		legacy.WithPollInterval(time.Duration(cfg.Legacy.PollIntervalMS)*time.Millisecond),
	)
	if err != nil {
		return err
	}

	server, err := api.NewServer(cfg.Server.Address, svc, registry, adapter)
	if err != nil {
		return err
	}

	logger.L().Info("devcrewd 启动",
		"storage", cfg.Storage.Driver,
		"queue", cfg.Queue.Driver,
		"executor", cfg.Executor.Backend,
		"workers", cfg.Queue.Workers,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Start(gctx)
	})
	g.Go(func() error {
		return server.Start(gctx)
	})
	return g.Wait()
}

func buildStore(cfg *config.Config) (subtask.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return subtask.NewSQLiteStore(cfg.Storage.DSN)
	case "mysql":
		return subtask.NewMySQLStore(cfg.Storage.DSN)
	default:
		return subtask.NewMemoryStore(), nil
	}
}

func buildQueue(cfg *config.Config) (subtask.Queue, error) {
	switch cfg.Queue.Driver {
	case "redis":
		return subtask.NewRedisQueue(subtask.RedisQueueConfig{
			Addr:      cfg.Queue.Redis.Addr,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			KeyPrefix: cfg.Queue.Redis.KeyPrefix,
		})
	case "rabbitmq":
		return subtask.NewRabbitMQQueue(subtask.RabbitMQQueueConfig{
			URL:       cfg.Queue.RabbitMQ.URL,
			QueueName: cfg.Queue.RabbitMQ.QueueName,
		})
	default:
		return subtask.NewMemoryQueue(), nil
	}
}

func buildExecutor(cfg *config.Config) (subtask.Executor, error) {
	provider, err := buildKnowledge(cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.Executor.Backend {
	case "llm":
		client, err := openai.NewClient(openai.Config{
			APIKey:  cfg.Executor.OpenAI.APIKey,
			BaseURL: cfg.Executor.OpenAI.BaseURL,
			Model:   cfg.Executor.OpenAI.Model,
			Timeout: time.Duration(cfg.Executor.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return executor.NewLLMExecutor(client,
			executor.WithKnowledgeProvider(provider),
			executor.WithTimeout(time.Duration(cfg.Executor.TimeoutSeconds)*time.Second),
		), nil
	default:
		return executor.NewLocalExecutor(provider), nil
	}
}

func buildKnowledge(cfg *config.Config) (knowledge.Provider, error) {
	if cfg.Knowledge.Source == "" {
		return knowledge.Builtin(cfg.Knowledge.MaxResults), nil
	}
	return knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
}

func buildAlerting(cfg *config.Config) (alerting.Dispatcher, error) {
	notifiers := []alerting.Notifier{alerting.NewLogNotifier()}
	if cfg.Alerting.WebhookURL != "" {
		webhook, err := alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, webhook)
	}
	return alerting.NewFanoutDispatcher(notifiers...), nil
}
