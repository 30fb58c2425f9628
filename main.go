package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"civicsync-be/config"
	"civicsync-be/controllers"
	"civicsync-be/duplicates"
	"civicsync-be/geo"
	"civicsync-be/lifecycle"
	"civicsync-be/middlewares"
	"civicsync-be/models"
	"civicsync-be/notifications"
	"civicsync-be/routes"
	"civicsync-be/store"
	authUtils "civicsync-be/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	config.ConfigureLogger(cfg.LogLevel, cfg.LogFormat)
	if err := controllers.RegisterValidators(); err != nil {
		log.Fatalf("Failed to register validators: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, db, err := config.ConnectDB(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(context.Background())

	mongoStore := store.NewMongo(db)
	if err := mongoStore.EnsureIndexes(ctx); err != nil {
		log.Fatalf("Failed to create indexes: %v", err)
	}
	directory := store.NewCachedDirectory(mongoStore, cfg.DirectoryCacheTTL)

	rdb, err := config.ConnectRedis(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	nc, err := config.ConnectNATS(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}

	inbox := notifications.NewInAppSender(rdb, cfg.InboxSize)
	router := notifications.NewRouter().Handle(models.ChannelInApp, inbox)
	if cfg.SMTP.Host != "" {
		router.Handle(models.ChannelEmail, notifications.NewEmailSender(cfg.SMTP))
	} else {
		log.Warn("SMTP_HOST not set, email notifications disabled")
	}
	if nc != nil {
		defer nc.Drain()
		gateway := notifications.NewGatewaySender(nc, cfg.NATSSubjectPrefix)
		router.Handle(models.ChannelSMS, gateway).Handle(models.ChannelPush, gateway)
	} else {
		log.Warn("NATS_URL not set, SMS and push notifications disabled")
	}

	recordNotification := func(n models.Notification) {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mongoStore.SaveNotification(saveCtx, n); err != nil {
			log.WithError(err).WithField("notification", n.ID).Error("Failed to record notification")
		}
	}
	queueCfg := cfg.Queue
	queueCfg.OnSettled = func(n models.Notification, _ error) { recordNotification(n) }
	queueCfg.OnRetry = func(n models.Notification, _ *notifications.DeliveryFailure) { recordNotification(n) }
	queue := notifications.NewQueue(router, queueCfg)
	if pending, err := mongoStore.ListNotifications(ctx, models.NotificationQueued, models.NotificationRetry); err != nil {
		log.WithError(err).Error("Failed to load undelivered notifications")
	} else if n := queue.Restore(pending); n > 0 {
		log.WithField("count", n).Info("Restored undelivered notifications")
	}
	dispatcher := notifications.NewDispatcher(queue, directory, notifications.NewComposer(), router)

	detector := duplicates.NewDetector(geo.NewIndex(mongoStore), nil, cfg.Duplicates)
	issues := lifecycle.NewService(lifecycle.Deps{
		Issues:    mongoStore,
		Directory: directory,
		Detector:  detector,
		Publisher: dispatcher,
	})
	sweeper := lifecycle.NewSweeper(issues, cfg.SLASweepInterval, cfg.DigestInterval)

	tokens := authUtils.NewTokens(cfg.JWTSecret)
	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	routes.Setup(r, routes.Deps{
		Auth:          controllers.NewAuthController(directory, tokens, os.Getenv("GO_ENV") == "production"),
		Issues:        controllers.NewIssueController(issues),
		Notifications: controllers.NewNotificationController(queue, inbox),
		RequireAuth:   middlewares.AuthMiddleware(tokens),
		RateLimit:     middlewares.IssueRateLimiter(rdb, cfg.IssueLimitPrefix, cfg.IssueRateLimit),
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("Server stopped with error")
	}

	persistUndelivered(mongoStore, queue)
	log.Info("Shutdown complete")
}

// persistUndelivered stores whatever the worker did not get to so the next
// process can restore it.
func persistUndelivered(audit store.NotificationLog, queue *notifications.Queue) {
	pending := queue.Undelivered()
	if len(pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	saved := 0
	for _, n := range pending {
		if err := audit.SaveNotification(ctx, n); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"notification": n.ID,
				"channel":      n.Type,
				"recipient":    n.RecipientID.Hex(),
			}).Error("Undelivered notification lost")
			continue
		}
		saved++
	}
	log.WithFields(log.Fields{"saved": saved, "total": len(pending)}).Warn("Persisted undelivered notifications")
}
