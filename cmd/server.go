package cmd

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/druidia-bot/dotbot/internal/config"
	"github.com/druidia-bot/dotbot/internal/credential"
	"github.com/druidia-bot/dotbot/internal/identity"
	"github.com/druidia-bot/dotbot/internal/providers"
	"github.com/druidia-bot/dotbot/internal/server"
	"github.com/druidia-bot/dotbot/internal/store/pg"
	"github.com/druidia-bot/dotbot/internal/tracing"
	"github.com/druidia-bot/dotbot/internal/transport"
	"github.com/druidia-bot/dotbot/pkg/protocol"
)

func serverCmd() *cobra.Command {
	var noDB bool
	var migrationsDir string
	var entryBaseURL string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the DotBot cloud server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), noDB, migrationsDir, entryBaseURL)
		},
	}
	cmd.Flags().BoolVar(&noDB, "no-db", false, "use the in-memory identity store (smoke runs only)")
	cmd.Flags().StringVar(&migrationsDir, "migrations", "migrations", "path to the SQL migrations directory")
	cmd.Flags().StringVar(&entryBaseURL, "entry-base-url", "", "public base URL for credential entry links (default: http://<bind_addr>)")
	return cmd
}

func runServer(ctx context.Context, noDB bool, migrationsDir, entryBaseURL string) error {
	cfg, err := config.LoadServerConfig(cfgFile)
	if err != nil {
		return err
	}

	shutdownTracing, err := tracing.Init(ctx, cfg.OTELEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	masterKey, err := credential.LoadOrCreateMasterKey(cfg.MasterKeyPath, rand.Read)
	if err != nil {
		return err
	}
	if runtime.GOOS == "windows" {
		slog.Warn("master key file permissions cannot be restricted on this platform", "path", cfg.MasterKeyPath)
	}

	var idStore identity.Store
	if noDB {
		slog.Warn("running with the in-memory identity store; registrations will not survive a restart")
		idStore = identity.NewMemStore()
	} else {
		if cfg.PostgresDSN == "" {
			return fmt.Errorf("DOTBOT_POSTGRES_DSN is not set (or pass --no-db for a smoke run)")
		}
		if err := pg.Migrate(cfg.PostgresDSN, migrationsDir); err != nil {
			return err
		}
		db, err := pg.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		idStore = pg.NewIdentityStore(db)
	}

	limiter := identity.NewIPLimiter(cfg.RateLimit.AuthAttemptsPerWindow, cfg.RateLimit.AuthWindow)
	idSvc := identity.NewService(idStore, limiter)

	registry, err := providers.FromEnv()
	if err != nil {
		return err
	}

	if entryBaseURL == "" {
		host := cfg.BindAddr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		entryBaseURL = "http://" + host
	}

	app := server.NewApp(registry, masterKey, entryBaseURL)
	hub := transport.NewHub(idSvc, app)
	hub.OnDisconnect = app.DeviceDisconnected

	credLimiter := credential.NewIPLimiter(
		cfg.RateLimit.CredentialAttemptsPerWindow,
		time.Duration(cfg.RateLimit.CredentialWindowSeconds)*time.Second,
	)
	entry := &credential.EntryHandlers{
		Sessions:  app.Sessions,
		MasterKey: masterKey,
		Limiter:   credLimiter,
		OnStored: func(sess *credential.EntrySession, blob string) {
			// Deliver the fresh blob to the device that asked for it.
			if devSess, ok := hub.Session(sess.DeviceID); ok {
				_ = devSess.Send(protocol.KindCredentialStored, protocol.CredentialStoredPayload{
					KeyName:       sess.KeyName,
					EncryptedBlob: blob,
				})
			} else {
				slog.Warn("credential stored but device offline", "device_id", sess.DeviceID, "key", sess.KeyName)
			}
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWebSocket)
	mux.HandleFunc("/credentials/enter/", func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.URL.Path, "/credentials/enter/")
		entry.HandleEnter(w, r, token)
	})
	mux.HandleFunc("/credentials/submit", entry.HandleSubmit)
	mux.HandleFunc("/credentials/session", entry.HandleSession)

	srv := &http.Server{Addr: cfg.BindAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// Periodic sweep of expired credential entry sessions.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				app.Sessions.Sweep(time.Now(), 5*time.Minute)
			}
		}
	}()

	slog.Info("dotbot server listening", "addr", cfg.BindAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
