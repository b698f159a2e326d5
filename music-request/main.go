package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"

	"github.com/gosuda/portal-music/music-request/youtube"
)

// exitRestart asks the process supervisor to start us again.
const exitRestart = 75

var errRestartRequested = errors.New("restart requested")

var rootCmd = &cobra.Command{
	Use:           "music-request",
	Short:         "Portal app: shared music request queue with chat (relay HTTP backend)",
	RunE:          runMusicRequest,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	registerFlags(rootCmd.PersistentFlags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errRestartRequested) {
			log.Info().Msg("[musicreq] exiting for restart")
			os.Exit(exitRestart)
		}
		log.Fatal().Err(err).Msg("execute music-request command")
	}
}

func setupLogging(cfg *Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.PrettyLog {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// stripPeer handles the relay /peer/{id}/ prefix in front of every route.
func stripPeer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "/peer/"
		if !strings.HasPrefix(r.URL.Path, prefix) {
			next.ServeHTTP(w, r)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, prefix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			r2 := r.Clone(r.Context())
			r2.URL.Path = rest[i:]
			next.ServeHTTP(w, r2)
			return
		}
		// No suffix after token -> redirect to add trailing slash for relative URLs
		http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
	})
}

func newState(cfg *Config) *State {
	state := NewState(Limits{SongHistory: cfg.HistoryLimit, ChatHistory: cfg.ChatLimit})
	state.APIKey = strings.TrimSpace(cfg.YoutubeAPIKey)
	if cfg.BackupPath != "" {
		state.BackupPath = cfg.BackupPath
	}
	if title := sanitizeName(cfg.Title, maxTitleLen); title != "" {
		state.Title = title
	}
	state.HeaderColor = cfg.HeaderColor
	return state
}

// openRelays creates one relay client and listener per configured URL, all
// sharing a single credential.
func openRelays(cfg *Config) ([]*sdk.RDClient, []net.Listener, error) {
	cred := sdk.NewCredential()
	if cfg.CredKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.CredKey)
		if err != nil {
			return nil, nil, fmt.Errorf("decode cred key: %w", err)
		}
		cred2, err := cryptoops.NewCredentialFromPrivateKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("new credential from private key: %w", err)
		}
		cred = cred2
	}

	var clients []*sdk.RDClient
	var listeners []net.Listener
	for _, raw := range cfg.ServerURLs {
		for _, p := range strings.Split(raw, ",") {
			u := strings.TrimSpace(p)
			if u == "" {
				continue
			}
			client, err := sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = []string{u} })
			if err != nil {
				log.Error().Err(err).Str("url", u).Msg("new client failed")
				continue
			}
			clients = append(clients, client)
			ln, err := client.Listen(cred, cfg.Name, []string{"http/1.1"})
			if err != nil {
				for _, c := range clients {
					_ = c.Close()
				}
				return nil, nil, fmt.Errorf("listen (%s): %w", u, err)
			}
			listeners = append(listeners, ln)
		}
	}
	return clients, listeners, nil
}

func runMusicRequest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	setupLogging(cfg)

	// Cancellation context; a restart request cancels it with errRestartRequested
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(sigCtx)
	defer cancel(nil)

	yt := youtube.NewClient(&http.Client{Timeout: cfg.MetadataTimeout}, cfg.YoutubeBaseURL)
	cache, err := newMetaCache(yt, cfg.CacheSize, cfg.CachePath)
	if err != nil {
		log.Warn().Err(err).Msg("[musicreq] open metadata cache failed; caching in memory only")
		if cache, err = newMetaCache(yt, cfg.CacheSize, ""); err != nil {
			return fmt.Errorf("metadata cache: %w", err)
		}
	}
	defer cache.Close()

	var offsite ArchiveUploader
	if cfg.S3.Bucket != "" {
		up, err := newS3Uploader(cfg.S3)
		if err != nil {
			return err
		}
		offsite = up
		log.Info().Str("bucket", cfg.S3.Bucket).Msg("[musicreq] offsite backups enabled")
	}

	hub := NewHub(newState(cfg), HubConfig{
		Lookup:          cache,
		Snapshots:       NewSnapshots(cfg.ArchiveRoot, offsite),
		MetadataTimeout: cfg.MetadataTimeout,
		SearchFallback:  cfg.SearchFallback,
		InitialChat:     cfg.InitialChat,
		EventsPerSecond: cfg.EventsPerSecond,
		RestartDelay:    cfg.RestartDelay,
		OnRestart:       func() { cancel(errRestartRequested) },
	})
	handler := stripPeer(NewHandler(cfg.Name, hub, yt, cfg.credentials()))

	clients, listeners, err := openRelays(cfg)
	if err != nil {
		hub.Close()
		return err
	}
	if len(listeners) == 0 && cfg.Port < 0 {
		hub.Close()
		return fmt.Errorf("nothing to serve on: no relay servers via --server-url or RELAY env and --port is disabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	// Serve over each relay listener
	for i, ln := range listeners {
		idx := i
		g.Go(func() error {
			if err := http.Serve(ln, handler); err != nil && gctx.Err() == nil {
				return fmt.Errorf("relay listener %d: %w", idx, err)
			}
			return nil
		})
	}

	// Optional local server on --port
	var httpSrv *http.Server
	if cfg.Port >= 0 {
		httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
		log.Info().Msgf("[musicreq] serving locally at http://127.0.0.1:%d", cfg.Port)
		g.Go(func() error {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("local http: %w", err)
			}
			return nil
		})
	}

	// Unified shutdown watcher
	g.Go(func() error {
		<-gctx.Done()
		dctx, dcancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		hub.Shutdown(dctx)
		dcancel()

		for _, ln := range listeners {
			_ = ln.Close()
		}
		for _, c := range clients {
			_ = c.Close()
		}
		if httpSrv != nil {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := httpSrv.Shutdown(sctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("[musicreq] http server shutdown error")
			}
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(context.Cause(ctx), errRestartRequested) {
		log.Info().Msg("[musicreq] shutdown complete, restarting")
		return errRestartRequested
	}
	log.Info().Msg("[musicreq] shutdown complete")
	return err
}
