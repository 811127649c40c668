package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/castlemilk/ledgerd/internal/bankfeed"
	"github.com/castlemilk/ledgerd/internal/categorize"
	"github.com/castlemilk/ledgerd/internal/logger"
	"github.com/castlemilk/ledgerd/internal/service"
	"github.com/castlemilk/ledgerd/internal/store"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8111"
	}

	log := logger.New()
	ctx := logger.WithContext(context.Background(), log)

	useMemoryStore := os.Getenv("USE_MEMORY_STORE") == "true" || os.Getenv("ENV") == "local"

	var storeImpl store.Store
	if useMemoryStore {
		log.Info().Msg("using in-memory store for local development")
		storeImpl = store.NewMemoryStore()
	} else {
		projectID := os.Getenv("GOOGLE_CLOUD_PROJECT")
		if projectID == "" {
			log.Fatal().Msg("GOOGLE_CLOUD_PROJECT is required when not using the memory store")
		}
		firestoreClient, err := firestore.NewClient(ctx, projectID)
		if err != nil {
			log.Fatal().Err(err).Msg("creating Firestore client")
		}
		defer firestoreClient.Close()
		storeImpl = store.NewFirestoreStore(firestoreClient)
	}

	var completer categorize.Completer
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		gemini, err := categorize.NewGeminiCompleter(ctx, apiKey)
		if err != nil {
			log.Fatal().Err(err).Msg("creating Gemini client")
		}
		completer = gemini
	} else {
		log.Warn().Msg("GEMINI_API_KEY not set, AI categorization disabled")
	}

	var provider bankfeed.Provider
	var sealer *bankfeed.Sealer
	if baseURL := os.Getenv("BANKFEED_BASE_URL"); baseURL != "" {
		sealKey := os.Getenv("LEDGERD_SEAL_KEY")
		if sealKey == "" {
			log.Fatal().Msg("LEDGERD_SEAL_KEY is required when a bank feed is configured")
		}
		var err error
		sealer, err = bankfeed.NewSealer(sealKey)
		if err != nil {
			log.Fatal().Err(err).Msg("loading seal key")
		}
		provider = bankfeed.NewHTTPProvider(baseURL, os.Getenv("BANKFEED_CLIENT_ID"), os.Getenv("BANKFEED_SECRET"))
	} else {
		log.Warn().Msg("BANKFEED_BASE_URL not set, bank sync disabled")
	}

	svc := service.NewLedgerService(storeImpl, categorize.New(storeImpl, completer), provider, sealer)

	mux := newServeMux(storeImpl, svc)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	c := cors.New(cors.Options{
		AllowedOrigins: []string{
			"http://localhost:1234",
			"http://127.0.0.1:1234",
		},
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: h2c.NewHandler(c.Handler(withLogger(log, mux)), &http2.Server{}),
	}

	log.Info().Str("port", port).Msg("starting server")
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

// withLogger attaches the process logger to every request context.
func withLogger(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context(), log)))
	})
}
