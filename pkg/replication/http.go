package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
)

// SystemPath is where replicas accept system deltas.
const SystemPath = "/replication/system"

// HealthPath answers replica health checks.
const HealthPath = "/replication/health"

// HTTPClient replicates system deltas to a replica over HTTP.
type HTTPClient struct {
	cfg    ReplicaConfig
	client *http.Client
}

// NewHTTPClient creates a client for cfg. The endpoint is a base URL such as
// "http://replica-1:7688".
func NewHTTPClient(cfg ReplicaConfig) *HTTPClient {
	if cfg.Mode == "" {
		cfg.Mode = ModeSync
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &HTTPClient{cfg: cfg, client: &http.Client{Timeout: 30 * time.Second}}
}

func (c *HTTPClient) Name() string { return c.cfg.Name }
func (c *HTTPClient) Mode() Mode   { return c.cfg.Mode }

// Replicate posts one delta and waits for the replica to apply it.
func (c *HTTPClient) Replicate(ctx context.Context, delta SystemDelta) error {
	body, err := json.Marshal(delta)
	if err != nil {
		return errors.Wrap(err, "encoding system delta")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+SystemPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// Ping checks that the replica answers.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+HealthPath, nil)
	if err != nil {
		return err
	}
	return c.do(req)
}

func (c *HTTPClient) do(req *http.Request) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Newf("replica %q answered %d: %s", c.cfg.Name, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Shutdown releases idle connections.
func (c *HTTPClient) Shutdown() { c.client.CloseIdleConnections() }

// Handler serves the replica side: it decodes deltas and passes them to
// apply in arrival order.
func Handler(apply func(SystemDelta) error) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(SystemPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var d SystemDelta
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			http.Error(w, "invalid delta: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := apply(d); err != nil {
			log.WithError(err).WithFields(log.Fields{"kind": d.Kind, "db": d.Database}).
				Warn("[Replication] failed to apply system delta")
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}
