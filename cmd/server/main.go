package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"gopkg.in/yaml.v3"

	"github.com/lessonforge/transcriber/internal/cleanup"
	"github.com/lessonforge/transcriber/internal/handlers"
	"github.com/lessonforge/transcriber/internal/pipeline"
	"github.com/lessonforge/transcriber/internal/queue"
	"github.com/lessonforge/transcriber/internal/storage"
	"github.com/lessonforge/transcriber/internal/transcription"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`

	Whisper struct {
		PythonCmd string `yaml:"python_cmd"`
	} `yaml:"whisper"`

	Workers struct {
		Count        int `yaml:"count"`
		PollSeconds  int `yaml:"poll_seconds"`
		LeaseMinutes int `yaml:"lease_minutes"`
	} `yaml:"workers"`

	Pipeline struct {
		MaxAttempts         int `yaml:"max_attempts"`
		BackoffSeconds      int `yaml:"backoff_seconds"`
		StageTimeoutSeconds int `yaml:"stage_timeout_seconds"`
	} `yaml:"pipeline"`

	Storage struct {
		DataDir  string `yaml:"data_dir"`
		TempDir  string `yaml:"temp_dir"`
		Database string `yaml:"database"`
	} `yaml:"storage"`

	Cleanup struct {
		IntervalMinutes int `yaml:"interval_minutes"`
		MaxAgeHours     int `yaml:"max_age_hours"`
	} `yaml:"cleanup"`

	Mirror struct {
		CredentialsFile string `yaml:"credentials_file"`
		TokenFile       string `yaml:"token_file"`
		FolderName      string `yaml:"folder_name"`
	} `yaml:"mirror"`

	Limits struct {
		MaxFileSizeMB int `yaml:"max_file_size_mb"`
	} `yaml:"limits"`
}

func main() {
	// Load configuration
	config, err := loadConfig("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// One-time OAuth bootstrap for the Drive mirror.
	if len(os.Args) > 1 && os.Args[1] == "authorize-mirror" {
		if err := storage.AuthorizeDriveMirror(config.Mirror.CredentialsFile, config.Mirror.TokenFile); err != nil {
			log.Fatalf("Mirror authorization failed: %v", err)
		}
		log.Printf("Mirror token saved to %s", config.Mirror.TokenFile)
		return
	}

	// Ensure directories exist
	if err := cleanup.EnsureTempDirExists(config.Storage.TempDir); err != nil {
		log.Fatalf("Failed to create temp directory: %v", err)
	}
	if err := os.MkdirAll(config.Storage.DataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	// Custom logger setup
	logBuffer := &LogBuffer{
		lines: make([]string, 0, 1000),
	}
	multiWriter := io.MultiWriter(os.Stdout, logBuffer)
	log.SetOutput(multiWriter)

	log.Println("Initializing components...")

	// Artifact layout and store
	layout := storage.NewLayout(config.Storage.DataDir)
	artifacts := storage.NewArtifactStore(layout)

	// Job store (durable queue)
	store, err := storage.NewJobStore(config.Storage.Database)
	if err != nil {
		log.Fatalf("Failed to initialize job store: %v", err)
	}
	defer store.Close()

	// Whisper oracle
	oracle := transcription.NewWhisperOracle(config.Whisper.PythonCmd, config.Storage.TempDir)

	// Drive mirror (optional - may fail if credentials not set up)
	var mirror pipeline.Mirror
	var driveMirror *storage.DriveMirror
	if _, err := os.Stat(config.Mirror.CredentialsFile); err == nil {
		dm, err := storage.NewDriveMirror(
			config.Mirror.CredentialsFile,
			config.Mirror.TokenFile,
			config.Mirror.FolderName,
		)
		if err != nil {
			log.Printf("WARNING: Drive mirror not available: %v", err)
			log.Println("Transcripts will only be saved locally")
		} else {
			log.Println("Drive mirror enabled")
			driveMirror = dm
			mirror = dm
		}
	} else {
		log.Println("Mirror credentials not found - saving locally only")
	}

	leaseFor := time.Duration(config.Workers.LeaseMinutes) * time.Minute
	pipe := pipeline.New(store, artifacts, oracle, mirror, pipeline.Config{
		Runner: pipeline.RunnerConfig{
			MaxAttempts:  config.Pipeline.MaxAttempts,
			Backoff:      time.Duration(config.Pipeline.BackoffSeconds) * time.Second,
			StageTimeout: time.Duration(config.Pipeline.StageTimeoutSeconds) * time.Second,
		},
		LeaseFor: leaseFor,
	})

	// Worker pool
	workerPool := queue.NewWorkerPool(
		config.Workers.Count,
		store,
		pipe,
		leaseFor,
		time.Duration(config.Workers.PollSeconds)*time.Second,
	)
	pipe.OnEnqueue(workerPool.Wake)
	workerPool.Start()

	// Maintenance scheduler: abandoned-job recovery + temp cleanup
	maintenance := cleanup.NewScheduler(
		store,
		config.Storage.TempDir,
		time.Duration(config.Cleanup.IntervalMinutes)*time.Minute,
		time.Duration(config.Cleanup.MaxAgeHours)*time.Hour,
	)
	maintenance.Start()
	defer maintenance.Stop()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: config.Limits.MaxFileSizeMB * 1024 * 1024,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	// Initialize handlers
	jobsHandler := handlers.NewJobsHandler(pipe)
	segmentsHandler := handlers.NewSegmentsHandler(pipe, artifacts, config.Limits.MaxFileSizeMB)
	watchHandler := handlers.NewWatchHandler(pipe)

	// Routes
	app.Get("/health", func(c *fiber.Ctx) error {
		resp := fiber.Map{
			"status":  "healthy",
			"version": "1.0.0",
		}
		if driveMirror != nil {
			resp["mirror_reachable"] = driveMirror.Reachable()
		}
		return c.JSON(resp)
	})

	app.Post("/jobs", jobsHandler.Submit)
	app.Get("/jobs/:id", jobsHandler.Status)
	app.Post("/jobs/:id/cancel", jobsHandler.Cancel)

	app.Post("/segments/:course/:segment/video", segmentsHandler.UploadVideo)
	app.Get("/segments/:course/:segment/artifacts/:kind", segmentsHandler.GetArtifact)
	app.Get("/segments/:course/:segment/pattern", segmentsHandler.Pattern)
	app.Delete("/segments/:course/:segment", segmentsHandler.Delete)

	// WebSocket route
	app.Get("/ws/jobs/:id", websocket.New(watchHandler.Handle))

	// List recent jobs
	app.Get("/jobs", func(c *fiber.Ctx) error {
		jobs, err := store.ListJobs(50)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(jobs)
	})

	// Get server logs
	app.Get("/logs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"logs": logBuffer.GetLogs(),
		})
	})

	// Start server
	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	log.Printf("Server starting on %s", addr)
	log.Println("Endpoints:")
	log.Println("   POST   /jobs                                     - Submit processing job")
	log.Println("   GET    /jobs/:id                                 - Job status")
	log.Println("   POST   /jobs/:id/cancel                          - Cancel job")
	log.Println("   POST   /segments/:course/:segment/video          - Upload source video")
	log.Println("   GET    /segments/:course/:segment/artifacts/:kind - Fetch artifact")
	log.Println("   GET    /segments/:course/:segment/pattern        - Teaching pattern")
	log.Println("   DELETE /segments/:course/:segment                - Delete segment artifacts")
	log.Println("   GET    /ws/jobs/:id                              - Job status stream")
	log.Println("   GET    /logs                                     - View server logs")
	log.Println("   GET    /health                                   - Health check")

	// Graceful shutdown
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Println("Shutting down gracefully...")
		workerPool.Stop()
		app.Shutdown()
	}()

	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// LogBuffer captures logs in memory
type LogBuffer struct {
	lines []string
	mu    sync.Mutex
}

func (lb *LogBuffer) Write(p []byte) (n int, err error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.lines = append(lb.lines, string(p))

	// Keep last 1000 lines
	if len(lb.lines) > 1000 {
		lb.lines = lb.lines[len(lb.lines)-1000:]
	}

	return len(p), nil
}

func (lb *LogBuffer) GetLogs() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	logs := make([]string, len(lb.lines))
	copy(logs, lb.lines)
	return logs
}

// loadConfig loads configuration from YAML file
func loadConfig(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
