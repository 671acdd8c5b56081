package landing_test

import (
	"context"
	"log"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"forge/internal/config"
	"forge/internal/database"
	"forge/internal/landing"
	"forge/internal/models"
	"forge/internal/vcs"
)

// The test database
var db *sqlx.DB

type MockVCSClient struct {
	mock.Mock
}

func (m *MockVCSClient) CheckConflicts(ctx context.Context, repoID int64, changeID, bookmark string) (*vcs.ConflictReport, error) {
	args := m.Called(ctx, repoID, changeID, bookmark)
	if report := args.Get(0); report != nil {
		return report.(*vcs.ConflictReport), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockVCSClient) Land(ctx context.Context, repoID int64, changeID, bookmark string) (string, error) {
	args := m.Called(ctx, repoID, changeID, bookmark)
	return args.String(0), args.Error(1)
}

func TestMain(m *testing.M) {
	conf, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to read in config: %v", err)
	}

	db, err = sqlx.Connect("pgx", conf.GetDatabaseURL())
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := database.Migrate(context.Background(), db); err != nil {
		log.Fatalf("Failed to migrate test database: %v", err)
	}

	defer func() {
		err = db.Close()
		if err != nil {
			log.Fatalf("Error encountered when closing test database: %v", err)
		}
	}()

	_, _ = db.Exec("TRUNCATE TABLE landing.line_comment, landing.review, landing.request CASCADE")

	os.Exit(m.Run())
}

// Clears the test database
func clearTestDB(t *testing.T) {
	_, err := db.Exec("TRUNCATE TABLE landing.line_comment, landing.review, landing.request CASCADE")
	require.NoError(t, err)
}

func submitTestRequest(t *testing.T, queue *landing.Queue, repoID int64, changeID string) *models.LandingRequest {
	request, err := queue.Submit(context.Background(), landing.SubmitParams{
		RepoID:         repoID,
		ChangeID:       changeID,
		TargetBookmark: "main",
		Title:          "Fix the parser",
		Description:    "handles empty input",
		Author:         "alice",
	})
	require.NoError(t, err)
	return request
}
