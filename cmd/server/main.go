package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/lmittmann/tint"
	"github.com/robfig/cron"

	config "github.com/postpilot/postpilot/configs"
	"github.com/postpilot/postpilot/internal/api/handlers"
	"github.com/postpilot/postpilot/internal/api/middleware"
	job "github.com/postpilot/postpilot/internal/jobs"
	"github.com/postpilot/postpilot/internal/publisher"
	"github.com/postpilot/postpilot/internal/queue"
	"github.com/postpilot/postpilot/internal/repository"
	"github.com/postpilot/postpilot/internal/scheduler"
	"github.com/postpilot/postpilot/internal/service"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Failed to load environment variables", err)
	}

	slog.SetDefault(slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.TimeOnly,
	})))

	cfg := config.LoadConfig()

	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		log.Fatalf("Database is unreachable: %v", err)
	}

	redisConn := queue.RedisConnOpt(*cfg)
	jobQueue := queue.NewRedisQueue(redisConn)

	app := fiber.New(fiber.Config{
		ReadTimeout:  10 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		BodyLimit:    100 * 1024 * 1024, // 100 MB
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			slog.Error("unhandled request error", "error", err.Error())
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOriginsFunc: func(origin string) bool {
			return origin == cfg.FrontendURL
		},
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
		MaxAge:           3600,
	}))

	postRepo := repository.NewPostRepository(db)
	socialAccountRepo := repository.NewSocialAccountRepository(db)
	historyRepo := repository.NewPublishHistoryRepository(db)
	mediaAssetRepo := repository.NewMediaAssetRepository(db)

	platformPublisher := publisher.New(socialAccountRepo, []byte(cfg.SecretKey))
	postScheduler := scheduler.New(*cfg, jobQueue, postRepo, platformPublisher, historyRepo)
	postService := service.NewPostService(postRepo, historyRepo, platformPublisher, postScheduler)
	mediaService := service.NewMediaService(*cfg, mediaAssetRepo)

	// Reconcile queue state with the post store before taking traffic.
	if err := postScheduler.RecoverScheduledPosts(context.Background()); err != nil {
		log.Fatalf("Failed to recover scheduled posts: %v", err)
	}

	authMiddleware := middleware.NewAuthMiddleware(*cfg)

	api := app.Group("/api")
	api.Use(authMiddleware.AuthMiddleware())

	post := handlers.NewPostHandler(postService)
	api.Post("/posts", post.CreatePost)
	api.Get("/posts", post.ListPosts)
	api.Get("/posts/:id", post.GetPost)
	api.Put("/posts/:id", post.UpdatePost)
	api.Delete("/posts/:id", post.RemovePost)

	account := handlers.NewAccountHandler(socialAccountRepo)
	api.Get("/accounts", account.ListAccounts)
	api.Delete("/accounts/:id", account.RemoveAccount)

	media := handlers.NewMediaHandler(mediaService)
	api.Post("/media/upload", media.UploadMedia)

	// cron jobs
	refreshTokenJob := job.NewTokenRefreshJob(*cfg, socialAccountRepo)
	historyPruneJob := job.NewHistoryPruneJob(historyRepo)

	c := cron.New()
	c.AddFunc("@every 00h10m00s", refreshTokenJob.RefreshTokens)
	c.AddFunc("@every 24h00m00s", historyPruneJob.Prune)
	c.Start()

	srv := asynq.NewServer(redisConn, asynq.Config{
		Concurrency: 2,
		Queues: map[string]int{
			queue.QueueName: 1,
		},
		// An early-firing job asks for redelivery at its corrected time; every
		// other failure keeps the default backoff.
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			if delay, ok := scheduler.RescheduleDelay(err); ok {
				return delay
			}
			return asynq.DefaultRetryDelayFunc(n, err, task)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			if _, ok := scheduler.RescheduleDelay(err); ok {
				return
			}
			jobID, ok := asynq.GetTaskID(ctx)
			if !ok {
				return
			}
			postScheduler.RecordJobFailure(context.Background(), jobID, err.Error())
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskTypePublishPost, postScheduler.HandlePublishPostTask)

	log.Println("Starting the Asynq worker...")
	if err := srv.Start(mux); err != nil {
		log.Fatalf("Could not start Asynq worker: %v", err)
	}

	go func() {
		if err := app.Listen(":3000"); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	log.Println("Server is running on http://localhost:3000")

	gracefulShutdown(app, srv, jobQueue, db, c)
}

// gracefulShutdown tears the pieces down independently, collecting failures
// so one failed close cannot prevent the others.
func gracefulShutdown(app *fiber.App, srv *asynq.Server, jobQueue *queue.RedisQueue, db *sql.DB, c *cron.Cron) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Println("Shutting down server...")

	c.Stop()
	srv.Shutdown()

	var errs []error
	if err := app.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := jobQueue.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := db.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		slog.Error("shutdown finished with errors", "error", err.Error())
		return
	}
	log.Println("Server shutdown complete.")
}
