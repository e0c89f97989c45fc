// Package app wires configuration into a running campaign service. The
// server, the worker and the tests share it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/unclebandit/notification-campaigns/internal/config"
	"github.com/unclebandit/notification-campaigns/internal/db"
	"github.com/unclebandit/notification-campaigns/internal/lock"
	"github.com/unclebandit/notification-campaigns/internal/model"
	"github.com/unclebandit/notification-campaigns/internal/queue"
	"github.com/unclebandit/notification-campaigns/internal/repository"
	"github.com/unclebandit/notification-campaigns/internal/sender"
	"github.com/unclebandit/notification-campaigns/internal/service"
	"github.com/unclebandit/notification-campaigns/internal/sheet"
	"github.com/unclebandit/notification-campaigns/internal/storage"
)

type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	DB      *sql.DB
	Service *service.CampaignService

	// AMQP is set when triggers travel through RabbitMQ; otherwise Memory
	// delivers them inside this process.
	AMQP   *queue.AMQPTriggerQueue
	Memory *queue.InMemoryQueue

	redis    *redis.Client
	amqpConn *amqp.Connection
	amqpCh   *amqp.Channel
}

// New connects every backing service named in cfg and builds the campaign
// service on top of them.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := sheet.ValidateHeaderMapping(); err != nil {
		return nil, err
	}
	conn, err := db.Open(ctx, cfg.DB, log)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: log, DB: conn}

	var triggers queue.TriggerQueue
	if cfg.AMQP.URL != "" {
		if err := a.connectAMQP(); err != nil {
			a.Close()
			return nil, err
		}
		triggers = a.AMQP
	} else {
		log.Warn("AMQP_URL not set, delayed triggers are kept in memory")
		a.Memory = queue.NewInMemoryQueue(log)
		triggers = a.Memory
	}

	var passLock lock.PassLock = lock.NewLocalPassLock()
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, pass locks fall back to this process", zap.Error(err))
		}
		passLock = lock.NewRedisPassLock(a.redis, cfg.Redis.LockTTL, log)
	}

	campaigns := &repository.CampaignRepository{DB: conn}
	queueRepo := &repository.NotificationQueueRepository{DB: conn}
	templates := &repository.TemplateRepository{DB: conn}
	users := &repository.UserRepository{DB: conn}
	logs := &repository.DeliveryLogRepository{DB: conn}

	store, err := storage.NewFileStore(cfg.Storage.Dir)
	if err != nil {
		a.Close()
		return nil, err
	}
	senders, err := Senders(cfg, templates, logs, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Service = service.NewCampaignService(service.Deps{
		CampaignRepo: campaigns,
		QueueRepo:    queueRepo,
		TemplateRepo: templates,
		UserRepo:     users,
		LogRepo:      logs,
		UploadRepo:   &repository.UploadRepository{DB: conn},
		Sheets:       sheet.NewProcessor(templates, users, cfg.Params.SheetChunkSize, log),
		Storage:      store,
		Triggers:     triggers,
		Senders:      senders,
		Params: &service.Params{
			Repo:     &repository.ParamRepository{DB: conn},
			Defaults: cfg.Params,
			Logger:   log,
		},
		Locks:  passLock,
		Logger: log,
	})
	if a.Memory != nil {
		a.Memory.Subscribe(a.Service.HandleTrigger)
	}
	return a, nil
}

func (a *App) connectAMQP() error {
	conn, err := amqp.Dial(a.Config.AMQP.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	a.amqpConn = conn
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	a.amqpCh = ch
	a.AMQP, err = queue.NewAMQPTriggerQueue(ch, a.Config.AMQP.TriggerQueue, a.Logger)
	return err
}

// Close waits for running passes, then releases every connection.
func (a *App) Close() {
	if a.Memory != nil {
		a.Memory.Close()
	}
	if a.Service != nil {
		a.Service.Wait()
	}
	if a.amqpCh != nil {
		a.amqpCh.Close()
	}
	if a.amqpConn != nil {
		a.amqpConn.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// Senders registers one gateway sender per configured URL plus the in-app
// sender. Gateway keys are channel names; push gateways are PN_<PROVIDER>,
// and a bare PN URL serves the default provider. Every push provider also
// gets its silent variant.
func Senders(cfg *config.Config, templates sender.TemplateByID, logs sender.LogWriter, log *zap.Logger) (*sender.Registry, error) {
	reg := sender.NewRegistry(cfg.Params.SendNotificationChannel)
	reg.Register(sender.Key{Channel: model.ChannelInApp}, sender.NewInAppSender(templates, logs, log))

	for name, url := range cfg.Gateway.URLs {
		key, err := gatewayKey(name, cfg.Params.SendNotificationChannel)
		if err != nil {
			return nil, err
		}
		opts := sender.GatewayOptions{
			Name:        name,
			URL:         url,
			Timeout:     cfg.Gateway.Timeout,
			Concurrency: cfg.Gateway.Concurrency,
		}
		reg.Register(key, sender.NewGatewaySender(opts, log))
		if key.Channel == model.ChannelPush {
			opts.Name += "_SILENT"
			opts.Silent = true
			key.Silent = true
			reg.Register(key, sender.NewGatewaySender(opts, log))
		}
	}
	return reg, nil
}

func gatewayKey(name, defaultProvider string) (sender.Key, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == string(model.ChannelPush) {
		return sender.Key{Channel: model.ChannelPush, SubChannel: defaultProvider}, nil
	}
	if provider, ok := strings.CutPrefix(name, string(model.ChannelPush)+"_"); ok {
		return sender.Key{Channel: model.ChannelPush, SubChannel: provider}, nil
	}
	ch := model.Channel(name)
	if !ch.Valid() || ch == model.ChannelInApp {
		return sender.Key{}, fmt.Errorf("gateway %q: unknown channel", name)
	}
	return sender.Key{Channel: ch}, nil
}
