package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orbitmail/syncd/internal/auth"
	"github.com/orbitmail/syncd/internal/config"
	"github.com/orbitmail/syncd/internal/failover"
	"github.com/orbitmail/syncd/internal/listener"
	"github.com/orbitmail/syncd/internal/localstore"
	"github.com/orbitmail/syncd/internal/mailer"
	"github.com/orbitmail/syncd/internal/model"
	"github.com/orbitmail/syncd/internal/notify"
	"github.com/orbitmail/syncd/internal/providers/gcal"
	"github.com/orbitmail/syncd/internal/providers/graphcal"
	"github.com/orbitmail/syncd/internal/providers/imapmail"
	"github.com/orbitmail/syncd/internal/store"
	"github.com/orbitmail/syncd/internal/sync"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfgPath := os.Getenv("SYNCD_CONFIG")
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		log.Fatal(err)
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	mailboxes := st.Mailboxes()
	records := st.Records(cfg.Sync.LockTTL)
	local := localstore.New(records, localstore.Options{
		DedupeByFingerprint: cfg.Sync.DedupeByFingerprint,
		FingerprintWindow:   cfg.Sync.FingerprintWindow,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Status lines and change notifications are best effort: with NATS
	// down the service still syncs, it just goes quiet.
	var notifier sync.StatusNotifier
	publisher, err := notify.NewPublisher(cfg.NATS.URL, cfg.NATS.StatusStream, logger)
	if err != nil {
		logger.Warn("NATS unavailable, status lines disabled", "error", err)
	} else {
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			logger.Warn("status stream setup failed", "error", err)
		}
		notifier = publisher
	}

	engine := sync.NewEngine(local, mailboxes, mailboxes, notifier, logger)
	engine.Horizon = cfg.Sync.ImportHorizon
	engine.PageSize = cfg.Sync.PageSize

	creds := auth.NewCredentialClient(cfg.Auth.CredentialURL)
	manager := sync.NewManager(engine, providerFactory(creds), logger)
	defer manager.StopAll()

	listenerMgr := listener.NewManager(cfg.Listener.URL, cfg.Listener.Timeout, logger)

	scheduler := failover.NewScheduler(ctx, 4, logger)
	controller := failover.NewController(mailboxes, listenerMgr, scheduler,
		func(jobCtx context.Context, mb *model.Mailbox, since time.Time) error {
			return manager.RunSync(jobCtx, mb, kindFor(mb.Backend), since)
		}, logger)
	controller.Interval = cfg.Failover.Interval
	controller.Horizon = cfg.Sync.ImportHorizon
	controller.SafetyOffset = cfg.Failover.SafetyOffset
	go controller.Run(ctx)

	if publisher != nil {
		consumer := notify.NewConsumer(publisher.Conn(), cfg.NATS.NotifySubject, logger)
		err := consumer.Start(ctx, func(nCtx context.Context, n notify.ChangeNotification) error {
			mb, err := mailboxes.Get(nCtx, n.MailboxID)
			if err != nil {
				return err
			}
			if mb == nil || !mb.SyncEnabled {
				return nil
			}
			kind := n.Kind
			if kind == "" {
				kind = kindFor(mb.Backend)
			}
			return manager.HandleNotification(nCtx, mb, kind, n.ItemID)
		})
		if err != nil {
			logger.Warn("change notification consumer disabled", "error", err)
		} else {
			defer consumer.Stop()
		}
	}

	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWKSURL)
	if err != nil {
		log.Fatal(err)
	}

	router := gin.Default()
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authorized := router.Group("/")
	authorized.Use(authMiddleware(verifier))

	authorized.POST("/mailboxes/:id/sync", func(c *gin.Context) {
		user := currentUser(c)
		mb, ok := loadMailbox(c, mailboxes, user)
		if !ok {
			return
		}

		var req struct {
			Since time.Time `json:"since"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		if err := manager.StartSync(ctx, mb, kindFor(mb.Backend), req.Since); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"mailbox_id": mb.ID, "status": "started"})
	})

	authorized.POST("/notifications", func(c *gin.Context) {
		var req struct {
			MailboxID string         `json:"mailbox_id" binding:"required"`
			Kind      model.ItemKind `json:"kind"`
			ItemID    string         `json:"item_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		mb, err := mailboxes.Get(c.Request.Context(), req.MailboxID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if mb == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown mailbox"})
			return
		}
		if !mb.SyncEnabled {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}

		kind := req.Kind
		if kind == "" {
			kind = kindFor(mb.Backend)
		}
		if err := manager.HandleNotification(c.Request.Context(), mb, kind, req.ItemID); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "applied"})
	})

	authorized.GET("/mailboxes/:id/subscription", func(c *gin.Context) {
		user := currentUser(c)
		mb, ok := loadMailbox(c, mailboxes, user)
		if !ok {
			return
		}

		states, err := listenerMgr.GetHealth(c.Request.Context(), []string{mb.ID})
		if err != nil && !errors.Is(err, listener.ErrServiceUnavailable) {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"mailbox_id": mb.ID,
			"state":      states[mb.ID].String(),
		})
	})

	authorized.POST("/subscriptions/validate", func(c *gin.Context) {
		var req struct {
			Sender        string            `json:"sender" binding:"required"`
			Backend       model.BackendKind `json:"backend" binding:"required"`
			CredentialRef string            `json:"credential_ref" binding:"required"`
			SendProbe     bool              `json:"send_probe"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := listenerMgr.Validate(c.Request.Context(), listener.Credentials{
			Sender:        req.Sender,
			Backend:       req.Backend,
			CredentialRef: req.CredentialRef,
		})
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		if result.OK && req.SendProbe && req.Backend == model.BackendIMAP {
			if err := sendProbe(c.Request.Context(), creds, req.CredentialRef, req.Sender); err != nil {
				result.OK = false
				result.Reason = fmt.Sprintf("send probe failed: %v", err)
			}
		}
		c.JSON(http.StatusOK, result)
	})

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	scheduler.Wait()
}

// providerFactory maps a mailbox's backend to its adapter, fetching
// the credential on each run so token rotation needs no restart.
func providerFactory(creds *auth.CredentialClient) sync.ProviderFactory {
	return func(ctx context.Context, mb *model.Mailbox) (sync.RemoteProvider, error) {
		switch mb.Backend {
		case model.BackendGraph:
			tok, err := creds.GetToken(ctx, mb.CredentialRef)
			if err != nil {
				return nil, sync.Fatal("fetching credential", err)
			}
			return graphcal.New(ctx, tok, mb)
		case model.BackendGCal:
			tok, err := creds.GetToken(ctx, mb.CredentialRef)
			if err != nil {
				return nil, sync.Fatal("fetching credential", err)
			}
			return gcal.New(ctx, tok, mb)
		case model.BackendIMAP:
			secret, err := creds.GetIMAPSecret(ctx, mb.CredentialRef)
			if err != nil {
				return nil, sync.Fatal("fetching credential", err)
			}
			return imapmail.New(secret, mb)
		default:
			return nil, sync.Fatal(fmt.Sprintf("unknown backend %q", mb.Backend), nil)
		}
	}
}

func kindFor(backend model.BackendKind) model.ItemKind {
	if backend == model.BackendIMAP {
		return model.KindMail
	}
	return model.KindEvent
}

// sendProbe delivers a short self-addressed message over the stored
// SMTP credential.
func sendProbe(ctx context.Context, creds *auth.CredentialClient, credentialRef, sender string) error {
	secret, err := creds.GetIMAPSecret(ctx, credentialRef)
	if err != nil {
		return err
	}
	probe := mailer.NewSMTPSender(mailer.SMTPConfig{
		Host:     secret.SMTPHost,
		Port:     secret.SMTPPort,
		Username: secret.Username,
		Password: secret.Password,
		TLS:      secret.TLS,
	})
	return probe.SendProbe(ctx, sender, sender,
		"Mailbox validation", "This message confirms the stored credential can send mail.")
}

func authMiddleware(verifier *auth.JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := verifier.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *auth.User {
	if v, ok := c.Get("user"); ok {
		if u, ok := v.(*auth.User); ok {
			return u
		}
	}
	return nil
}

// loadMailbox resolves the :id path parameter and enforces ownership:
// non-shared mailboxes are only visible to their owner.
func loadMailbox(c *gin.Context, mailboxes *store.MailboxStore, user *auth.User) (*model.Mailbox, bool) {
	mb, err := mailboxes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if mb == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown mailbox"})
		return nil, false
	}
	if user == nil || (!mb.Shared && mb.OwnerID != user.ID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your mailbox"})
		return nil, false
	}
	return mb, true
}
