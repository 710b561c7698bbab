package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/hitoshi/karmahub/internal/database"
	"github.com/hitoshi/karmahub/internal/model"
)

// PostgresProfileRepoはProfileRepositoryインターフェースを満たすことを検証
func TestPostgresProfileRepo_ImplementsInterface(t *testing.T) {
	var _ ProfileRepository = (*PostgresProfileRepo)(nil)
}

// PostgresActivityLogRepoはActivityLogRepositoryインターフェースを満たすことを検証
func TestPostgresActivityLogRepo_ImplementsInterface(t *testing.T) {
	var _ ActivityLogRepository = (*PostgresActivityLogRepo)(nil)
}

// PostgresJobRepoはJobRepositoryインターフェースを満たすことを検証
func TestPostgresJobRepo_ImplementsInterface(t *testing.T) {
	var _ JobRepository = (*PostgresJobRepo)(nil)
}

// PostgresGamificationRepoはGamificationRepositoryインターフェースを満たすことを検証
func TestPostgresGamificationRepo_ImplementsInterface(t *testing.T) {
	var _ GamificationRepository = (*PostgresGamificationRepo)(nil)
}

func TestNullString(t *testing.T) {
	if ns := nullString(nil); ns.Valid {
		t.Error("nullString(nil) must be invalid")
	}
	s := "Berlin"
	if ns := nullString(&s); !ns.Valid || ns.String != "Berlin" {
		t.Errorf("nullString = %+v, want valid Berlin", ns)
	}
	if p := stringPtr(sql.NullString{}); p != nil {
		t.Error("stringPtr of invalid must be nil")
	}
}

// openTestDB はマイグレーション済みのテスト用DBを返す。接続できない場合はスキップする。
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}

	db, err := database.Open(dbURL)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	if err := database.RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgresProfileRepo_UpsertKeepsUnsetFields(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresProfileRepo(db)
	ctx := context.Background()

	id := uuid.New().String()
	first, bio := "Anna", "Ich helfe gern"
	if err := repo.Upsert(ctx, &model.ProfileUpdate{ID: id, FirstName: &first, Bio: &bio, UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}

	last := "Müller"
	if err := repo.Upsert(ctx, &model.ProfileUpdate{ID: id, LastName: &last, UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("second Upsert returned error: %v", err)
	}

	p, err := repo.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if p == nil {
		t.Fatal("profile not found")
	}
	if p.FirstName == nil || *p.FirstName != "Anna" {
		t.Errorf("FirstName = %v, want Anna", p.FirstName)
	}
	if p.LastName == nil || *p.LastName != "Müller" {
		t.Errorf("LastName = %v, want Müller", p.LastName)
	}
	if p.Bio == nil || *p.Bio != bio {
		t.Errorf("Bio = %v, want %s", p.Bio, bio)
	}
}

func TestPostgresProfileRepo_FindByID_NotFound(t *testing.T) {
	db := openTestDB(t)
	p, err := NewPostgresProfileRepo(db).FindByID(context.Background(), uuid.New().String())
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if p != nil {
		t.Errorf("profile = %+v, want nil", p)
	}
}

func TestPostgresActivityLogRepo_InsertAndPurge(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresActivityLogRepo(db)
	ctx := context.Background()

	userID := uuid.New().String()
	old := &model.ActivityLog{UserID: userID, Action: "signed_in", CreatedAt: time.Now().AddDate(0, 0, -120)}
	recent := &model.ActivityLog{UserID: userID, Action: "signed_in", Metadata: map[string]any{"source": "test"}}

	if err := repo.Insert(ctx, old); err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}
	if err := repo.Insert(ctx, recent); err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}
	if recent.ID == "" {
		t.Error("ID must be assigned on insert")
	}

	n, err := repo.DeleteOlderThan(ctx, time.Now().AddDate(0, 0, -90))
	if err != nil {
		t.Fatalf("DeleteOlderThan returned error: %v", err)
	}
	if n < 1 {
		t.Errorf("deleted = %d, want at least 1", n)
	}

	var count int
	db.QueryRow(`SELECT count(*) FROM activity_log WHERE user_id = $1`, userID).Scan(&count)
	if count != 1 {
		t.Errorf("remaining rows = %d, want 1", count)
	}
}

func TestPostgresJobRepo_CreateAndList(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresJobRepo(db)
	ctx := context.Background()

	creator := uuid.New().String()
	reward := 30
	due := "2030-01-15"
	job := &model.Job{
		CreatorID:    creator,
		Title:        "Hund ausführen",
		Description:  "Zweimal täglich",
		Category:     "Tiere",
		JobType:      model.JobTypeGoodDeeds,
		KarmaReward:  &reward,
		Location:     "Hamburg",
		DueDate:      &due,
		Requirements: []string{"Erfahrung mit Hunden"},
	}
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	jobs, err := repo.ListByCreator(ctx, creator, 50)
	if err != nil {
		t.Fatalf("ListByCreator returned error: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(jobs))
	}
	got := jobs[0]
	if got.Title != job.Title || got.Status != "open" {
		t.Errorf("job = %+v", got)
	}
	if got.KarmaReward == nil || *got.KarmaReward != 30 {
		t.Errorf("KarmaReward = %v, want 30", got.KarmaReward)
	}
	if got.DueDate == nil || *got.DueDate != due {
		t.Errorf("DueDate = %v, want %s", got.DueDate, due)
	}
	if len(got.Requirements) != 1 || got.Requirements[0] != "Erfahrung mit Hunden" {
		t.Errorf("Requirements = %v", got.Requirements)
	}
	if got.Budget != nil {
		t.Errorf("Budget = %v, want nil", *got.Budget)
	}

	open, err := repo.ListOpen(ctx, 100)
	if err != nil {
		t.Fatalf("ListOpen returned error: %v", err)
	}
	found := false
	for _, j := range open {
		if j.ID == job.ID {
			found = true
		}
	}
	if !found {
		t.Error("created job not listed as open")
	}
}
