package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/deepr-dev/deepr/internal/config"
)

// Readiness aggregates dependency checks for /readyz. The database is
// required; the vector store is checked only when configured, since experts
// are an optional surface of a jobs-only deployment.
type Readiness struct {
	cfg config.Config
	db  *sql.DB
}

// NewReadiness constructs the checker.
func NewReadiness(cfg config.Config, db *sql.DB) *Readiness {
	return &Readiness{cfg: cfg, db: db}
}

func (rd *Readiness) check(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	out := map[string]string{}
	if rd.db == nil {
		out["db"] = "not configured"
	} else if err := rd.db.PingContext(ctx); err != nil {
		out["db"] = err.Error()
	}

	if rd.cfg.QdrantURL != "" {
		if err := rd.qdrantCheck(ctx); err != nil {
			out["qdrant"] = err.Error()
		}
	}
	return out
}

func (rd *Readiness) qdrantCheck(ctx context.Context) error {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rd.cfg.QdrantURL+"/collections", nil)
	if err != nil {
		return err
	}
	if rd.cfg.QdrantAPIKey != "" {
		req.Header.Set("api-key", rd.cfg.QdrantAPIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant status %d", resp.StatusCode)
	}
	return nil
}

// Handler serves 200 when every required dependency answers, 503 otherwise
// with the failing checks in the body.
func (rd *Readiness) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		failures := rd.check(r.Context())
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		enc := json.NewEncoder(w)
		if len(failures) == 0 {
			w.WriteHeader(http.StatusOK)
			_ = enc.Encode(map[string]any{"status": "ready"})
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = enc.Encode(map[string]any{"status": "unavailable", "failures": failures})
	}
}
