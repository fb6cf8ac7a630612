package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// stub-tenant plays the client side of the delivery-report protocol on
// a developer's machine: it prints every report batch the service
// POSTs, acknowledges it, and serves attachment bytes for endpoint
// fetches. Point a tenant's client_base_url at it and watch reports
// arrive.

func main() {
	port := flag.Int("port", 9090, "listen port")
	syncPath := flag.String("sync-path", "/hooks/mail", "path that accepts delivery reports")
	attachPath := flag.String("attachment-path", "/attachments", "path that serves attachments")
	dir := flag.String("dir", "", "serve attachment files from this directory; empty synthesizes content")
	queued := flag.Int("queued", 0, "queued count to answer reports with")
	snooze := flag.Int64("snooze", 0, "answer with snooze_until now+N seconds, 0 for none")
	token := flag.String("token", "", "when set, require this bearer token on sync and attachment calls")
	flag.Parse()

	log.Println("stub-tenant: local tenant callback endpoint, for development only")

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"*"}}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"service":"stub-tenant"}`))
	})

	r.Group(func(r chi.Router) {
		if *token != "" {
			r.Use(requireBearer(*token))
		}
		r.Post(normalize(*syncPath), acceptReports(*queued, *snooze))
		r.Get(normalize(*attachPath), serveAttachment(*dir))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Listening on :%d (sync %s, attachments %s)", *port, normalize(*syncPath), normalize(*attachPath))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(ctx)
}

func normalize(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

// acceptReports prints each delivery report and acknowledges the batch
// the way a real tenant would.
func acceptReports(queued int, snooze int64) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			DeliveryReport []map[string]interface{} `json:"delivery_report"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if len(body.DeliveryReport) == 0 {
			log.Println("sync ping, nothing pending")
		}
		for _, rep := range body.DeliveryReport {
			line, _ := json.Marshal(rep)
			log.Printf("report: %s", line)
		}

		resp := map[string]interface{}{"ok": true, "queued": queued}
		if snooze > 0 {
			resp["snooze_until"] = time.Now().Unix() + snooze
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// serveAttachment answers endpoint-mode fetches. With a directory it
// serves the file the storage_path names; otherwise it synthesizes
// deterministic content so dispatch can be exercised with no fixtures.
func serveAttachment(dir string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		sp := req.URL.Query().Get("storage_path")
		if sp == "" {
			http.Error(w, "storage_path is required", http.StatusBadRequest)
			return
		}
		log.Printf("attachment fetch: %s", sp)
		if dir != "" {
			// Base-name only: the stub never walks outside its directory.
			http.ServeFile(w, req, filepath.Join(dir, filepath.Base(filepath.Clean(sp))))
			return
		}
		fmt.Fprintf(w, "stub attachment content for %s\n", sp)
	}
}

func requireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Authorization") != "Bearer "+token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
