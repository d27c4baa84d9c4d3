// Package app wires configuration into handlers and routes API Gateway events.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/jun/metavault/internal/auth"
	"github.com/jun/metavault/internal/cloud"
	"github.com/jun/metavault/internal/cloud/googledrive"
	"github.com/jun/metavault/internal/cloud/onedrive"
	"github.com/jun/metavault/internal/config"
	"github.com/jun/metavault/internal/crypto"
	"github.com/jun/metavault/internal/handler"
	"github.com/jun/metavault/internal/metafile"
	"github.com/jun/metavault/internal/metrics"
	"github.com/jun/metavault/internal/migrations"
	"github.com/jun/metavault/internal/secret"
	"github.com/jun/metavault/internal/tokenstore"
)

// App holds the dependencies for the Lambda function.
type App struct {
	lockHandler    *handler.LockHandler
	authHandler    *handler.AuthHandler
	filesHandler   *handler.FilesHandler
	accountHandler *handler.AccountHandler

	Coordinator *metafile.Coordinator
	AuthService *auth.Service
	JWTSecret   string

	originSecret string
	frontendURL  string
	logger       *slog.Logger
	db           *sql.DB
}

// New initializes the application dependencies. reg may be nil.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*App, error) {
	a := &App{frontendURL: cfg.FrontendURL, logger: logger}
	m := metrics.New(reg)

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg == nil {
			c, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return aws.Config{}, fmt.Errorf("unable to load SDK config: %w", err)
			}
			awsCfg = &c
		}
		return *awsCfg, nil
	}

	// ---------- Secrets ----------
	var resolver secret.Resolver
	if cfg.DevMode {
		resolver = secret.NewEnvResolver()
		logger.Info("using environment secrets (dev mode)")
	} else {
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		resolver = secret.NewSSMResolver(ssm.NewFromConfig(c))
	}

	jwtSecret, err := resolver.GetSecret(ctx, cfg.Secrets.JWTSecretParam)
	if err != nil {
		return nil, fmt.Errorf("resolving jwt secret: %w", err)
	}
	a.JWTSecret = jwtSecret
	if cfg.Secrets.OriginSecretParam != "" && !cfg.DevMode {
		if a.originSecret, err = resolver.GetSecret(ctx, cfg.Secrets.OriginSecretParam); err != nil {
			return nil, fmt.Errorf("resolving origin secret: %w", err)
		}
	}

	// ---------- Relational store ----------
	if cfg.Storage.Driver == "postgres" || cfg.Tokens.Driver == "postgres" {
		db, err := sql.Open("pgx", cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		if cfg.Storage.MigrateOnStart {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		a.db = db
	}

	// ---------- Lock ledger ----------
	var lockStore metafile.Store = metafile.NewMemoryStore()
	if cfg.Storage.Driver == "postgres" {
		lockStore = metafile.NewPostgresStore(a.db)
	}
	a.Coordinator = metafile.NewCoordinator(lockStore,
		metafile.WithLogger(logger),
		metafile.WithMetrics(m),
		metafile.WithDataDir(cfg.Storage.UserDataDir),
	)

	// ---------- Bindings ----------
	var tokens tokenstore.Store
	switch cfg.Tokens.Driver {
	case "postgres":
		tokens = tokenstore.NewPostgresStore(a.db)
	case "dynamodb":
		c, err := loadAWS()
		if err != nil {
			return nil, a.closeOnErr(err)
		}
		var enc crypto.Encryptor = crypto.NewPlainEncryptor()
		if !cfg.DevMode {
			enc = crypto.NewKMSService(kms.NewFromConfig(c), cfg.Tokens.KMSKeyID)
		}
		tokens = tokenstore.NewDynamoStore(dynamodb.NewFromConfig(c), cfg.Tokens.Table, enc)
	default:
		tokens = tokenstore.NewMemoryStore()
	}

	var states auth.StateStore = auth.NewMemoryStateStore()
	if cfg.OAuth.StateDriver == "dynamodb" {
		c, err := loadAWS()
		if err != nil {
			return nil, a.closeOnErr(err)
		}
		states = auth.NewDynamoStateStore(dynamodb.NewFromConfig(c), cfg.OAuth.StateTable)
	}

	// ---------- Cloud backends ----------
	backends, err := newBackends(ctx, cfg, resolver, logger, m)
	if err != nil {
		return nil, a.closeOnErr(err)
	}
	a.AuthService = auth.NewService(cloud.NewRegistry(backends...), states, tokens,
		auth.WithStateTTL(cfg.OAuth.StateTTL),
		auth.WithLogger(logger),
		auth.WithMetrics(m),
	)

	a.lockHandler = handler.NewLockHandler(a.Coordinator, logger, jwtSecret)
	a.authHandler = handler.NewAuthHandler(a.AuthService, logger, jwtSecret)
	a.filesHandler = handler.NewFilesHandler(a.AuthService, logger, jwtSecret)
	a.accountHandler = handler.NewAccountHandler(a.Coordinator, a.AuthService, logger, jwtSecret)

	logger.Info("metavault initialised",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("tokens", cfg.Tokens.Driver),
		slog.String("oauth_state", cfg.OAuth.StateDriver),
		slog.Any("backends", a.AuthService.Backends()),
	)
	return a, nil
}

func newBackends(ctx context.Context, cfg *config.Config, resolver secret.Resolver, logger *slog.Logger, m *metrics.Metrics) ([]cloud.Backend, error) {
	httpClient := &http.Client{Timeout: cfg.OAuth.HTTPTimeout}
	retry := cloud.RetryPolicy{MaxRetries: cfg.OAuth.Retries, Base: cloud.DefaultRetryPolicy.Base}

	var backends []cloud.Backend
	if p := cfg.OAuth.Google; p.Enabled {
		clientSecret, err := resolver.GetSecret(ctx, p.ClientSecretParam)
		if err != nil {
			return nil, fmt.Errorf("resolving google client secret: %w", err)
		}
		backends = append(backends, googledrive.New(googledrive.Config{
			OAuth: &oauth2.Config{
				ClientID:     p.ClientID,
				ClientSecret: clientSecret,
				RedirectURL:  cfg.OAuth.RedirectURL,
				Scopes:       googledrive.Scopes,
				Endpoint:     google.Endpoint,
			},
			ForceApproval: cfg.OAuth.ForceApproval,
			HTTPClient:    httpClient,
			Retry:         retry,
			Logger:        logger,
			Metrics:       m,
		}))
	}
	if p := cfg.OAuth.OneDrive; p.Enabled {
		clientSecret, err := resolver.GetSecret(ctx, p.ClientSecretParam)
		if err != nil {
			return nil, fmt.Errorf("resolving onedrive client secret: %w", err)
		}
		backends = append(backends, onedrive.New(onedrive.Config{
			OAuth: &oauth2.Config{
				ClientID:     p.ClientID,
				ClientSecret: clientSecret,
				RedirectURL:  cfg.OAuth.RedirectURL,
				Scopes:       onedrive.Scopes,
				Endpoint:     microsoft.AzureADEndpoint(p.Tenant),
			},
			ForceApproval: cfg.OAuth.ForceApproval,
			HTTPClient:    httpClient,
			Retry:         retry,
			Logger:        logger,
			Metrics:       m,
		}))
	}
	return backends, nil
}

func (a *App) closeOnErr(err error) error {
	_ = a.Close()
	return err
}

// Close releases the database pool, if any.
func (a *App) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// HandleRequest routes API Gateway requests to the appropriate handler.
func (a *App) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	method := req.HTTPMethod
	// Strip /api prefix if present (CloudFront proxying)
	path := strings.TrimPrefix(req.Path, "/api")

	if method == http.MethodOptions {
		return a.corsResponse(events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}), nil
	}

	// Requests must come through CloudFront when an origin secret is configured.
	if a.originSecret != "" && headerValue(req, "X-Origin-Verify") != a.originSecret {
		a.logger.WarnContext(ctx, "blocked request without origin verification", slog.String("path", path))
		return events.APIGatewayProxyResponse{StatusCode: http.StatusForbidden, Body: "Forbidden: Access denied"}, nil
	}

	if req.PathParameters == nil {
		req.PathParameters = make(map[string]string)
	}
	if req.QueryStringParameters == nil {
		req.QueryStringParameters = make(map[string]string)
	}

	h, ok := a.route(method, path, req.PathParameters)
	if !ok {
		return a.corsResponse(events.APIGatewayProxyResponse{
			StatusCode: http.StatusNotFound,
			Body:       fmt.Sprintf("Not Found: %s %s", method, path),
		}), nil
	}
	resp, err := h(ctx, req)
	return a.corsResponse(a.must(ctx, resp, err)), nil
}

type handlerFunc func(context.Context, events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)

// route resolves method and path, filling params from the path.
func (a *App) route(method, path string, params map[string]string) (handlerFunc, bool) {
	switch {
	case method == http.MethodGet && path == "/locks":
		return a.lockHandler.ListLocks, true
	case method == http.MethodPost && path == "/lock":
		return a.lockHandler.Acquire, true
	case method == http.MethodPost && strings.HasPrefix(path, "/unlock/"):
		params["lockId"] = strings.TrimPrefix(path, "/unlock/")
		return a.lockHandler.Unlock, true
	case method == http.MethodPost && path == "/versions":
		return a.lockHandler.RecordVersion, true
	case method == http.MethodGet && path == "/versions":
		return a.lockHandler.ListVersions, true
	case method == http.MethodPost && path == "/delete_account":
		return a.accountHandler.DeleteAccount, true
	case method == http.MethodGet && path == "/files":
		return a.filesHandler.ListFiles, true
	case method == http.MethodGet && path == "/auth/callback":
		return a.authHandler.Callback, true
	case method == http.MethodGet && strings.HasPrefix(path, "/auth/") && strings.HasSuffix(path, "/login"):
		backend := strings.TrimSuffix(strings.TrimPrefix(path, "/auth/"), "/login")
		if backend == "" || strings.Contains(backend, "/") {
			return nil, false
		}
		params["backend"] = backend
		return a.authHandler.Login, true
	}
	return nil, false
}

// corsResponse adds CORS headers to an API Gateway response.
func (a *App) corsResponse(resp events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers["Access-Control-Allow-Origin"] = a.frontendURL
	resp.Headers["Access-Control-Allow-Credentials"] = "true"
	resp.Headers["Access-Control-Allow-Methods"] = "GET,POST,OPTIONS"
	resp.Headers["Access-Control-Allow-Headers"] = "Content-Type,Authorization"
	return resp
}

// must turns a handler error into a bare 500.
func (a *App) must(ctx context.Context, resp events.APIGatewayProxyResponse, err error) events.APIGatewayProxyResponse {
	if err != nil {
		a.logger.ErrorContext(ctx, "handler error", slog.Any("error", err))
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Internal Server Error"}
	}
	return resp
}

func headerValue(req events.APIGatewayProxyRequest, name string) string {
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
