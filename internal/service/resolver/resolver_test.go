package resolver

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/safesection/backend/internal/domain"
	"github.com/safesection/backend/internal/model"
	"github.com/safesection/backend/internal/repository"
	"gorm.io/gorm"
)

func newLookup(t *testing.T, entries ...model.CodeEntry) CodeLookup {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db error: %v", err)
	}
	if err := db.AutoMigrate(&model.CodeEntry{}); err != nil {
		t.Fatalf("migrate error: %v", err)
	}
	repo := repository.NewCodeEntryRepository(db)
	for i := range entries {
		if err := repo.Upsert(&entries[i]); err != nil {
			t.Fatalf("seed error: %v", err)
		}
	}
	return NewDBLookup(repo)
}

func TestResolveKnownAndUnknownCodes(t *testing.T) {
	lookup := newLookup(t,
		model.CodeEntry{
			Code:             "UFGS-26-05-00",
			Title:            "Common Work Results for Electrical",
			RequiresAnalysis: true,
			DefaultCategory:  string(model.CategoryElectrical),
		},
		model.CodeEntry{
			Code:             "UFGS-01-33-00",
			Title:            "Submittal Procedures",
			RequiresAnalysis: false,
		},
	)
	svc := New(lookup)

	requirements, err := svc.Resolve(context.Background(), []domain.DetectedCode{
		{Code: "UFGS-26-05-00", Sources: []domain.SourceHit{{Page: 12, Heading: "Electrical"}}},
		{Code: "UFGS-01-33-00"},
		{Code: "UFGS-99-00-00"}, // lookup 未收录
	})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if len(requirements) != 3 {
		t.Fatalf("expected 3 requirements, got %d", len(requirements))
	}

	electrical := requirements[0]
	if !electrical.RequiresAnalysis || !electrical.Known {
		t.Fatalf("expected electrical code to require analysis: %+v", electrical)
	}
	if electrical.SuggestedCategory != model.CategoryElectrical {
		t.Fatalf("unexpected suggested category: %s", electrical.SuggestedCategory)
	}
	if electrical.Code.Title != "Common Work Results for Electrical" {
		t.Fatalf("expected title from lookup, got %q", electrical.Code.Title)
	}

	submittals := requirements[1]
	if submittals.RequiresAnalysis || !submittals.Known {
		t.Fatalf("expected known non-analysis code: %+v", submittals)
	}

	unknown := requirements[2]
	if unknown.RequiresAnalysis || unknown.Known {
		t.Fatalf("unknown code must default to requires_analysis=false: %+v", unknown)
	}
}
