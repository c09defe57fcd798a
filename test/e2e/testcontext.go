package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/secplat/posture-pipeline/internal/domain/repo/postgres"
)

const (
	apiToken = "e2e-token"

	tables = "assets, health_events, posture_status, scan_jobs, findings"
)

// Database is a migrated postgres instance running in a container.
type Database struct {
	Pool      *pgxpool.Pool
	container testcontainers.Container
}

func StartDatabase(ctx context.Context) (Database, error) {
	req := testcontainers.ContainerRequest{
		Image:        "docker.io/library/postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "secplat",
			"POSTGRES_PASSWORD": "secplat",
			"POSTGRES_DB":       "secplat",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return Database{}, fmt.Errorf("failed to start postgres: %w", err)
	}

	ret := Database{container: container}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		return ret, fmt.Errorf("failed to get postgres endpoint: %w", err)
	}

	ret.Pool, err = pgxpool.New(ctx, fmt.Sprintf("postgres://secplat:secplat@%s/secplat?sslmode=disable", endpoint))
	if err != nil {
		return ret, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	err = postgres.Migrate(ctx, ret.Pool, logr.Discard())
	if err != nil {
		return ret, err
	}

	return ret, nil
}

// Reset empties every table between two scenarios.
func (d Database) Reset(ctx context.Context) error {
	_, err := d.Pool.Exec(ctx, "TRUNCATE "+tables+" RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("failed to truncate tables: %w", err)
	}

	return nil
}

func (d Database) Stop(ctx context.Context) error {
	if d.Pool != nil {
		d.Pool.Close()
	}

	if d.container == nil {
		return nil
	}

	return d.container.Terminate(ctx)
}

type Incident struct {
	ID        int64    `json:"id"`
	Title     string   `json:"title"`
	Severity  string   `json:"severity"`
	Status    string   `json:"status"`
	AssetKeys []string `json:"asset_keys"`
}

// IncidentAPI fakes the incident endpoints of the platform API.
type IncidentAPI struct {
	Server *httptest.Server

	mu        sync.Mutex
	incidents []Incident
}

func NewIncidentAPI() *IncidentAPI {
	ret := &IncidentAPI{}

	router := http.NewServeMux()
	router.HandleFunc("POST /auth/login", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"access_token": apiToken, "token_type": "bearer"})
	})
	router.HandleFunc("POST /incidents", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+apiToken {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		var incident Incident

		err := json.NewDecoder(r.Body).Decode(&incident)
		if err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)

			return
		}

		ret.mu.Lock()
		incident.ID = int64(len(ret.incidents) + 1)
		incident.Status = "new"
		ret.incidents = append(ret.incidents, incident)
		ret.mu.Unlock()

		w.WriteHeader(http.StatusCreated)
		writeJSON(w, incident)
	})

	ret.Server = httptest.NewServer(router)

	return ret
}

func (a *IncidentAPI) Incidents() []Incident {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]Incident{}, a.incidents...)
}

// Webhook records the bodies posted to it.
type Webhook struct {
	Server *httptest.Server

	mu     sync.Mutex
	bodies []string
}

func NewWebhook() *Webhook {
	ret := &Webhook{}

	ret.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		ret.mu.Lock()
		ret.bodies = append(ret.bodies, string(body))
		ret.mu.Unlock()

		w.WriteHeader(http.StatusOK)
	}))

	return ret
}

func (h *Webhook) Bodies() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string{}, h.bodies...)
}

// NewTarget serves a plain http site without any security header.
func NewTarget() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "hello")
	}))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
