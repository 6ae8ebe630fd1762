package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/clearconsent/internal/certificate"
	"github.com/pavelanni/clearconsent/internal/consent"
	"github.com/pavelanni/clearconsent/internal/explainer"
	"github.com/pavelanni/clearconsent/internal/handler"
	appI18n "github.com/pavelanni/clearconsent/internal/i18n"
	"github.com/pavelanni/clearconsent/internal/llm"
	"github.com/pavelanni/clearconsent/internal/llm/prompts"
	"github.com/pavelanni/clearconsent/internal/model"
	"github.com/pavelanni/clearconsent/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: read .env:", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "clearconsent",
		Short: "Plain-language consent explainers with comprehension verification",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), certificateCmd(), hashKeyCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `clearconsent --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "clearconsent.db", "SQLite database path")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Duration("llm-timeout", llm.DefaultTimeout, "Timeout for a single LLM request")
	f.Bool("llm-json-schema", true, "Send the explainer JSON schema (disable for endpoints that only support json_object)")
	f.Bool("llm-check", true, "Check the LLM endpoint at startup")
	f.String("upload-key", "", "Clinician upload key (or set CLEARCONSENT_UPLOAD_KEY)")
	f.String("upload-key-hash", "", "bcrypt hash of the clinician upload key; takes precedence over --upload-key")
	f.StringP("lang", "l", "en", "Default language for API messages (en, es)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /consent)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all verifications as a JSON audit trail",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "clearconsent.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func certificateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certificate",
		Short: "Print the certificate for a passing verification",
		RunE:  runCertificate,
	}
	f := cmd.Flags()
	f.String("db", "clearconsent.db", "SQLite database path")
	f.String("id", "", "Verification ID (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func hashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key KEY",
		Short: "Print the bcrypt hash of an upload key for --upload-key-hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash upload key: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return err
		},
	}
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("CLEARCONSENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("clearconsent")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/clearconsent")
	v.AddConfigPath("/etc/clearconsent")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// uploadKeyHash returns the configured bcrypt hash, hashing a plain key if
// only that was given. An empty result leaves uploads unauthenticated.
func uploadKeyHash(v *viper.Viper) ([]byte, error) {
	if h := strings.TrimSpace(v.GetString("upload-key-hash")); h != "" {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("invalid upload key hash: %w", err)
		}
		return []byte(h), nil
	}
	key := v.GetString("upload-key")
	if key == "" {
		return nil, nil
	}
	return bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	// Open database.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Initialize i18n.
	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	if err := prompts.Load(); err != nil {
		return err
	}

	// Create LLM client.
	modelName := v.GetString("llm-model")
	llmClient := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		modelName,
		v.GetDuration("llm-timeout"),
		v.GetBool("llm-json-schema"),
	)
	if v.GetBool("llm-check") {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := llmClient.Ping(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", modelName)
	}
	if err := db.SetMetadata(store.MetaGeneratorModel, modelName); err != nil {
		return fmt.Errorf("record generator model: %w", err)
	}

	keyHash, err := uploadKeyHash(v)
	if err != nil {
		return err
	}
	if keyHash == nil {
		slog.Warn("no upload key configured; document uploads are open")
	}

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	cfg := model.ServerConfig{
		BasePath:      basePath,
		UploadKeyHash: keyHash,
		Lang:          lang,
	}

	svc := consent.New(db, explainer.New(llmClient, nil), certificate.New())
	h, err := handler.New(svc, db, cfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))

	if basePath != "" {
		r.Route(basePath, func(sub chi.Router) {
			sub.Use(h.BasePathMiddleware)
			h.Routes(sub)
		})
	} else {
		r.Use(h.BasePathMiddleware)
		h.Routes(r)
	}

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"model", modelName,
		"llm_url", v.GetString("llm-url"),
		"llm_timeout", v.GetDuration("llm-timeout"),
		"lang", lang,
		"base_path", basePath,
	)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// Uploads wait on the generator.
		WriteTimeout: v.GetDuration("llm-timeout") + 30*time.Second,
	}
	return srv.ListenAndServe()
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportVerifications()
	if err != nil {
		return fmt.Errorf("export verifications: %w", err)
	}
	slog.Info("exported verifications", "count", export.Count)
	return writeOutput(v.GetString("output"), export)
}

func runCertificate(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Certificates never touch the generator.
	svc := consent.New(db, nil, certificate.New())
	cert, err := svc.Certificate(context.Background(), v.GetString("id"))
	if err != nil {
		return fmt.Errorf("certificate: %w", err)
	}
	return writeOutput(v.GetString("output"), cert)
}

func writeOutput(outPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}
