// Package main provides the graphlink command line client.
// It signs a user in to Microsoft 365 with the authorization code + PKCE
// flow and issues Microsoft Graph requests through a resilient pipeline
// with retries, rate-limit handling, and automatic token refresh.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/m365tools/graphlink/internal/auth"
	"github.com/m365tools/graphlink/internal/buildinfo"
	"github.com/m365tools/graphlink/internal/config"
	"github.com/m365tools/graphlink/internal/credstore"
	"github.com/m365tools/graphlink/internal/logging"
	"github.com/m365tools/graphlink/internal/pipeline"
	"github.com/m365tools/graphlink/internal/tokens"
	log "github.com/sirupsen/logrus"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	// Command-line flags to control the application's behavior.
	var doLogin bool
	var doLogout bool
	var doStatus bool
	var callPath string
	var method string
	var data string
	var configPath string
	var storeMode string
	var noBrowser bool
	var debug bool

	flag.BoolVar(&doLogin, "login", false, "Sign in to Microsoft 365 interactively")
	flag.BoolVar(&doLogout, "logout", false, "Clear stored credentials")
	flag.BoolVar(&doStatus, "status", false, "Show authentication status")
	flag.StringVar(&callPath, "call", "", "Graph API path to call, e.g. /me/messages?$top=5")
	flag.StringVar(&method, "method", http.MethodGet, "HTTP method for -call")
	flag.StringVar(&data, "data", "", "JSON request body for -call")
	flag.StringVar(&configPath, "config", "config.yaml", "Configure file path")
	flag.StringVar(&storeMode, "store", "auto", "Credential backend: auto, keyring, or file")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open browser automatically for OAuth")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	// A missing .env is fine; environment overrides are optional.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "graphlink: %v\n", err)
		os.Exit(1)
	}
	if debug {
		cfg.Debug = true
	}
	if err = logging.ConfigureLogOutput(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "graphlink: %v\n", err)
		os.Exit(1)
	}

	log.Debugf("graphlink %s (%s, built %s)", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	store, err := credstore.NewStore(credstore.Options{
		Mode:     credstore.Mode(storeMode),
		Dir:      cfg.AuthDir,
		ClientID: cfg.ClientID,
		TenantID: cfg.TenantID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "graphlink: %v\n", err)
		os.Exit(1)
	}

	msAuth := auth.NewMicrosoftAuth(cfg)
	manager := tokens.NewManager(store, msAuth)
	client := pipeline.NewClient(cfg, manager)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case doLogin:
		err = runLogin(ctx, cfg, msAuth, store, client, noBrowser)
	case doLogout:
		err = runLogout(manager)
	case doStatus:
		err = runStatus(store)
	case callPath != "":
		err = runCall(ctx, store, manager, client, method, callPath, data)
	default:
		flag.Usage()
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "graphlink: %v\n", err)
		os.Exit(1)
	}
}

// runLogin drives one interactive sign-in and reports who signed in.
func runLogin(ctx context.Context, cfg *config.Config, msAuth *auth.MicrosoftAuth, store *credstore.Store, client *pipeline.Client, noBrowser bool) error {
	flow := auth.NewFlow(cfg, msAuth, store, noBrowser)
	record, err := flow.Login(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Signed in. Access token valid until %s.\n", record.AccessExpiry.Local().Format(time.RFC1123))

	info, err := client.Me(ctx)
	if err != nil {
		log.Warnf("could not fetch profile after login: %v", err)
		return nil
	}
	fmt.Printf("Account: %s <%s>\n", info.DisplayName, info.Email())
	return nil
}

func runLogout(manager *tokens.Manager) error {
	if err := manager.Logout(); err != nil {
		return err
	}
	fmt.Println("Signed out; stored credentials cleared.")
	return nil
}

// runStatus prints the stored credential state without touching the network.
func runStatus(store *credstore.Store) error {
	fmt.Printf("Credential backend: %s\n", store.BackendName())
	meta, err := store.GetMetadata()
	if err != nil {
		if credstore.IsNotFound(err) {
			fmt.Println("Status: not signed in")
			return nil
		}
		return err
	}

	now := time.Now()
	fmt.Println("Status: signed in")
	fmt.Printf("Access token:  expires %s (%s)\n", meta.AccessExpiry.Local().Format(time.RFC1123), freshness(now, meta.AccessExpiry))
	fmt.Printf("Refresh token: expires %s (%s)\n", meta.RefreshExpiry.Local().Format(time.RFC1123), freshness(now, meta.RefreshExpiry))
	if !meta.LastRefreshedAt.IsZero() {
		fmt.Printf("Last refresh:  %s\n", meta.LastRefreshedAt.Local().Format(time.RFC1123))
	}
	return nil
}

func freshness(now time.Time, expiry time.Time) string {
	if now.After(expiry) {
		return "expired"
	}
	return "valid for " + expiry.Sub(now).Round(time.Second).String()
}

// runCall issues one Graph request through the pipeline and prints the
// response body. The path may carry query parameters inline.
func runCall(ctx context.Context, store *credstore.Store, manager *tokens.Manager, client *pipeline.Client, method, callPath, data string) error {
	path, query, err := splitCallPath(callPath)
	if err != nil {
		return err
	}

	// Pick up token rotation done by another graphlink process while this
	// call is running.
	watcher, err := credstore.NewWatcher(store, func() {
		manager.Session().Rebuild()
	})
	if err != nil {
		log.Warnf("credential watcher unavailable: %v", err)
	} else {
		watcher.Start(ctx)
	}

	var body []byte
	if data != "" {
		if !json.Valid([]byte(data)) {
			return pipeline.NewValidationError("data", "must be valid JSON")
		}
		body = []byte(data)
	}

	resp, err := client.Do(ctx, strings.ToUpper(method), path, query, body)
	if err != nil {
		var cls *pipeline.ClassifiedError
		if errors.As(err, &cls) {
			fmt.Fprintln(os.Stderr, cls.UserMessage())
		}
		return err
	}

	if len(resp.Body) > 0 {
		fmt.Println(string(resp.Body))
	}
	log.Debugf("call finished with status %d after %d attempt(s)", resp.StatusCode, resp.Attempts)
	return nil
}

// splitCallPath separates the Graph path from inline query parameters.
func splitCallPath(raw string) (string, url.Values, error) {
	path, rawQuery, _ := strings.Cut(raw, "?")
	if path == "" || !strings.HasPrefix(path, "/") {
		return "", nil, pipeline.NewValidationError("call", "path must start with /")
	}
	if rawQuery == "" {
		return path, nil, nil
	}
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", nil, pipeline.NewValidationError("call", "query string is malformed")
	}
	return path, query, nil
}
