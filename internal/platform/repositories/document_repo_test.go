package repositories

import (
	"context"
	"testing"

	"signet/internal/platform/database"
	"signet/internal/platform/models"
)

func TestDocumentRepository_TransitionStatus(t *testing.T) {
	db, err := database.OpenMigratedMemory(context.Background())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	repo := NewDocumentRepository(db)
	ctx := context.Background()
	doc := &models.Document{OwnerID: "usr_1", Title: "NDA"}
	if err := repo.Create(ctx, doc); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	tests := []struct {
		name   string
		to     string
		from   []string
		want   bool
		status string
	}{
		{"send draft", models.DocumentStatusPending, []string{models.DocumentStatusDraft}, true, models.DocumentStatusPending},
		{"send again", models.DocumentStatusPending, []string{models.DocumentStatusDraft}, false, models.DocumentStatusPending},
		{"complete", models.DocumentStatusCompleted, []string{models.DocumentStatusPending}, true, models.DocumentStatusCompleted},
		{"complete again", models.DocumentStatusCompleted, []string{models.DocumentStatusPending}, false, models.DocumentStatusCompleted},
		{"cancel completed", models.DocumentStatusCancelled, []string{models.DocumentStatusPending, models.DocumentStatusDraft}, false, models.DocumentStatusCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.TransitionStatus(ctx, doc.ID, tt.to, tt.from...)
			if err != nil {
				t.Fatalf("TransitionStatus failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("TransitionStatus() = %v, want %v", got, tt.want)
			}
			stored, _ := repo.GetByID(ctx, doc.ID)
			if stored.Status != tt.status {
				t.Errorf("status = %s, want %s", stored.Status, tt.status)
			}
		})
	}

	if got, _ := repo.TransitionStatus(ctx, "doc_missing", models.DocumentStatusPending, models.DocumentStatusDraft); got {
		t.Error("missing document should not transition")
	}
}
