package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Martian-dev/mail-triage/internal/auth"
	"github.com/Martian-dev/mail-triage/internal/classify"
	"github.com/Martian-dev/mail-triage/internal/config"
	"github.com/Martian-dev/mail-triage/internal/events"
	"github.com/Martian-dev/mail-triage/internal/journal"
	"github.com/Martian-dev/mail-triage/internal/logger"
	"github.com/Martian-dev/mail-triage/internal/mail"
	"github.com/Martian-dev/mail-triage/internal/pipeline"
	"github.com/Martian-dev/mail-triage/internal/providers/gmail"
	"github.com/Martian-dev/mail-triage/internal/providers/outlook"
	"github.com/Martian-dev/mail-triage/internal/records"
)

type summarizeRequest struct {
	Text string `json:"text" binding:"required"`
}

func main() {
	configPath := flag.String("config", "config.json", "path to the configuration document")
	once := flag.Bool("once", false, "run one triage pass and exit")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log, err := logger.New(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "initializing logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("loading config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	src, err := newSource(ctx, cfg)
	if err != nil {
		log.Fatal("creating mail source", zap.Error(err))
	}

	engine := classify.NewOllama(cfg.Engine.Endpoint, cfg.Engine.Model, cfg.Engine.Timeout(), log)
	store := records.NewStore(cfg.Store.RecordsPath)

	jrnl, err := journal.Open(cfg.Store.JournalPath)
	if err != nil {
		log.Fatal("opening journal", zap.Error(err))
	}
	defer jrnl.Close()

	orch := pipeline.New(src, engine, store, jrnl, cfg, log)

	if cfg.NATS.URL != "" {
		pub, err := events.NewPublisher(cfg.NATS.URL)
		if err != nil {
			log.Fatal("connecting to NATS", zap.Error(err))
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			log.Fatal("ensuring event stream", zap.Error(err))
		}
		go events.DispatchOutbox(ctx, jrnl, pub, log)
	}

	if *once {
		summary, err := orch.Run(ctx)
		if err != nil {
			log.Fatal("triage run failed", zap.Error(err))
		}
		fmt.Println(summary)
		return
	}

	if err := serve(ctx, cfg, *configPath, *debug, orch, jrnl, store, engine, log); err != nil {
		log.Fatal("control-plane server", zap.Error(err))
	}
}

// newSource builds the configured provider adapter.
func newSource(ctx context.Context, cfg *config.Config) (mail.Source, error) {
	switch cfg.Provider {
	case "gmail":
		client, err := auth.GoogleClient(ctx, cfg.Gmail.CredentialsFile, cfg.Gmail.TokenFile)
		if err != nil {
			return nil, err
		}
		return gmail.New(ctx, client)
	case "outlook":
		return outlook.New(ctx, cfg.Outlook.AccessToken, cfg.Outlook.UserID)
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}

// serve runs the control-plane HTTP API until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, configPath string, debug bool, orch *pipeline.Orchestrator, jrnl *journal.Store, store *records.Store, engine classify.Engine, log *zap.Logger) error {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	api := r.Group("/")
	if cfg.API.JWKSURL != "" {
		verifier, err := auth.NewJWTVerifier(cfg.API.JWKSURL)
		if err != nil {
			return fmt.Errorf("initializing JWT verifier: %w", err)
		}
		api.Use(authMiddleware(verifier))
	}

	// Trigger a triage pass.
	api.POST("/runs", func(c *gin.Context) {
		summary, err := orch.Run(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "summary": summary})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	// Run history from the journal.
	api.GET("/runs", func(c *gin.Context) {
		limit := 50
		if q := c.Query("limit"); q != "" {
			if n, err := strconv.Atoi(q); err == nil && n > 0 {
				limit = n
			}
		}
		runs, err := jrnl.ListRuns(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, runs)
	})

	// Processed-message records from the CSV store.
	api.GET("/records", func(c *gin.Context) {
		rows, err := store.ReadAll()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"header": records.Header, "rows": rows})
	})

	api.GET("/config", func(c *gin.Context) {
		c.JSON(http.StatusOK, orch.Config())
	})

	// Replace the configuration document. The update is normalized,
	// validated, and written back to disk, then swapped in atomically;
	// a pass already running keeps the snapshot it started with.
	api.PUT("/config", func(c *gin.Context) {
		var updated config.Config
		if err := c.ShouldBindJSON(&updated); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		updated.Normalize()
		if err := updated.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := updated.Save(configPath); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		orch.SetConfig(&updated)
		log.Info("config updated", zap.Strings("labels", updated.Labels))
		c.JSON(http.StatusOK, &updated)
	})

	api.POST("/summarize", func(c *gin.Context) {
		var req summarizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		summary := engine.Summarize(c.Request.Context(), req.Text)
		c.JSON(http.StatusOK, gin.H{"summary": summary})
	})

	srv := &http.Server{Addr: cfg.API.Addr, Handler: r}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	log.Info("control plane listening", zap.String("addr", cfg.API.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func authMiddleware(verifier *auth.JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := verifier.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Set("user_id", user.ID)
		c.Next()
	}
}
