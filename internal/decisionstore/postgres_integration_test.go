package decisionstore_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jackc/pgx/v5"

	"github.com/cstp-run/blackbox/internal/decisionstore"
	"github.com/cstp-run/blackbox/internal/model"
)

// testStore holds a shared Postgres-backed decisionstore for every test in
// this file, torn down once at the end of the run.
var testStore *decisionstore.Postgres

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "cstp",
			"POSTGRES_PASSWORD": "cstp",
			"POSTGRES_DB":       "cstp",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://cstp:cstp@%s:%s/cstp?sslmode=disable", host, port.Port())

	bootstrapConn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap connection: %v\n", err)
		os.Exit(1)
	}
	if _, err := bootstrapConn.Exec(ctx, decisionstore.Schema); err != nil {
		fmt.Fprintf(os.Stderr, "failed to apply schema: %v\n", err)
		os.Exit(1)
	}
	_ = bootstrapConn.Close(ctx)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	testStore, err = decisionstore.NewPostgres(ctx, dsn, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	_ = testStore.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func TestPostgresSaveGetListUpdateOutcome(t *testing.T) {
	ctx := context.Background()

	d := model.Decision{
		ID:           "pg-it-1",
		DecisionText: "use postgres for durable decision storage",
		Context:      "needed a backend that survives a restart",
		Category:     "architecture",
		Stakes:       model.StakesHigh,
		Confidence:   0.75,
		AgentID:      "agent-integration",
		CreatedAt:    time.Now().UTC(),
		Project:      "cstp",
		Tags:         []string{"storage", "db"},
	}

	require.NoError(t, testStore.Save(ctx, d))

	got, err := testStore.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.DecisionText, got.DecisionText)
	assert.Equal(t, d.Stakes, got.Stakes)
	assert.Nil(t, got.Outcome)

	limit := 10
	res, err := testStore.List(ctx, model.ListQuery{
		Filters: model.DecisionFilters{Agent: strPtr("agent-integration")},
		SortDir: model.SortDesc,
		Limit:   &limit,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.TotalMatching, 1)

	require.NoError(t, testStore.UpdateOutcome(ctx, d.ID, model.OutcomeSuccess, "worked as expected", nil))

	reviewed, err := testStore.Get(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, reviewed.Outcome)
	assert.Equal(t, model.OutcomeSuccess, reviewed.Outcome.Outcome)

	// A decision with Outcome set rejects a second UpdateOutcome call.
	err = testStore.UpdateOutcome(ctx, d.ID, model.OutcomeFailure, "changed my mind", nil)
	assert.Error(t, err)
}

func strPtr(s string) *string { return &s }
