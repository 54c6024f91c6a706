// Command featureserver publishes a directory of feature caches over HTTP
// for the service's remote template store. GET /<key> returns the file;
// missing keys are 404. With an API key set, requests must carry
// "Authorization: Bearer <key>".
package main

import (
	"crypto/subtle"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mdobak/go-xerrors"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/template"
)

func main() {
	_ = godotenv.Load()

	dir := flag.String("dir", "./data/features", "directory holding .mfc and .meta files")
	addr := flag.String("addr", ":9000", "listen address")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	store, err := template.NewDirStore(*dir)
	if err != nil {
		logger.Error("Failed to open feature directory", slog.Any("error", xerrors.New(err)))
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         *addr,
		Handler:      newHandler(store, os.Getenv("CALLSCORE_FEATURESERVER_KEY"), logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	logger.Info("Feature server starting",
		slog.String("address", *addr),
		slog.String("dir", store.Dir()),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Feature server failed", slog.Any("error", xerrors.New(err)))
		os.Exit(1)
	}
}

// newHandler serves keys from store.
func newHandler(store template.Store, apiKey string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if apiKey != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		key := strings.TrimPrefix(r.URL.Path, "/")
		if !template.ValidKey(key) {
			http.Error(w, "Invalid key", http.StatusBadRequest)
			return
		}

		data, err := store.Get(r.Context(), key)
		if errors.Is(err, template.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			logger.Error("Failed to read feature file", slog.String("key", key), slog.String("error", err.Error()))
			http.Error(w, "Read failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.Write(data)
		logger.Debug("Served feature file", slog.String("key", key), slog.Int("bytes", len(data)))
	})
}
