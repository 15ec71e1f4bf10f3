// Package main запускает Telegram-бота продажи лицензионных ключей.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/licensebot/internal/catalog"
	"github.com/mmeshcher/licensebot/internal/config"
	"github.com/mmeshcher/licensebot/internal/dispatcher"
	"github.com/mmeshcher/licensebot/internal/events"
	"github.com/mmeshcher/licensebot/internal/handler"
	"github.com/mmeshcher/licensebot/internal/metrics"
	"github.com/mmeshcher/licensebot/internal/middleware"
	"github.com/mmeshcher/licensebot/internal/payment"
	"github.com/mmeshcher/licensebot/internal/repository"
	"github.com/mmeshcher/licensebot/internal/service"
	"github.com/mmeshcher/licensebot/internal/session"
	"github.com/mmeshcher/licensebot/internal/telegram"
)

type store interface {
	service.Store
	Close() error
}

type conversationStore interface {
	service.ConversationStore
	dispatcher.Conversations
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		sugar.Warnw("could not load .env", "error", err.Error())
	}

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		sugar.Fatalw("catalog error", "error", err.Error())
	}

	repo, err := openStore(cfg.DatabaseURI, logger)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	conversations, closeConversations := openConversations(cfg.RedisAddress, logger)
	defer closeConversations()

	publisher, err := openPublisher(cfg.AMQPURL, logger)
	if err != nil {
		sugar.Fatalw("event publisher error", "error", err.Error())
	}
	defer publisher.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer, err := metrics.NewPrometheusObserver("licensebot", reg)
	if err != nil {
		sugar.Fatalw("metrics initialization error", "error", err.Error())
	}

	bot, err := telegram.New(cfg.TelegramToken, logger.Named("telegram"))
	if err != nil {
		sugar.Fatalw("telegram initialization error", "error", err.Error())
	}

	coord := service.NewCoordinator(service.Deps{
		Store:         repo,
		Conversations: conversations,
		Gateway:       payment.NewClient(cfg.PaymentGatewayAddress, cfg.PaymentAPIKey),
		Messenger:     bot,
		Catalog:       cat,
		Publisher:     publisher,
		Observer:      observer,
		Logger:        logger.Named("coordinator"),
	}, service.Options{
		PaymentTimeout: cfg.PaymentTimeout,
		PollInterval:   cfg.PollInterval,
		SweepInterval:  cfg.SweepInterval,
		AdminContact:   cfg.AdminContact,
	})

	disp := dispatcher.New(coord, conversations, bot, logger.Named("dispatcher"), cfg.AdminContact)

	h := handler.NewHandler(disp, coord, logger, middleware.NewWebhookAuth(cfg.WebhookSecret),
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recovered, err := coord.Recover(ctx)
	if err != nil {
		sugar.Fatalw("order recovery error", "error", err.Error())
	}
	sugar.Infow("active orders recovered", "watching", recovered)

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового процесса истечения просроченных заказов
	g.Go(func() error {
		coord.StartExpirySweeper(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting license bot server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Получение обновлений: webhook или длинный опрос
	g.Go(func() error {
		if cfg.WebhookURL != "" {
			url := strings.TrimRight(cfg.WebhookURL, "/") + "/webhook/" + cfg.WebhookSecret
			if err := bot.SetWebhook(url); err != nil {
				return err
			}
			sugar.Infow("webhook registered", "base", cfg.WebhookURL)
			return nil
		}

		if err := bot.DeleteWebhook(); err != nil {
			return err
		}
		sugar.Info("long polling started")
		return bot.Poll(ctx, func(ctx context.Context, u tgbotapi.Update) {
			if e, ok := telegram.EventFromUpdate(u); ok {
				disp.Dispatch(ctx, e)
			}
		})
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		if err := coord.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("monitor shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.Load(path)
}

func openStore(dsn string, logger *zap.Logger) (store, error) {
	if dsn == "" {
		logger.Warn("DATABASE_URI is empty, using in-memory storage")
		return repository.NewMemoryRepository(), nil
	}
	return repository.NewPostgresRepository(dsn)
}

func openConversations(addr string, logger *zap.Logger) (conversationStore, func()) {
	if addr == "" {
		return session.NewMemoryStore(), func() {}
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	logger.Info("conversation state in redis", zap.String("addr", addr))
	return session.NewRedisStore(client, "", session.DefaultTTL), func() { _ = client.Close() }
}

type publisher interface {
	events.Publisher
	Close() error
}

type nopPublisher struct{ events.Nop }

func (nopPublisher) Close() error { return nil }

func openPublisher(url string, logger *zap.Logger) (publisher, error) {
	if url == "" {
		return nopPublisher{}, nil
	}
	return events.Dial(url, logger.Named("events"))
}
