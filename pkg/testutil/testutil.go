// Package testutil builds migrated in-memory databases and fixtures for tests.
package testutil

import (
	"assetloans/pkg/database"
	"assetloans/pkg/models"
	"testing"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Borrower ids with valid check digits.
const (
	BorrowerPedro = "12345678-5"
	BorrowerMaria = "11111111-1"
	BorrowerJuan  = "22222222-2"
)

// Fixture holds ids of the rows SeedBase creates.
type Fixture struct {
	UserID     int64
	CategoryID int64
	LocationID int64
	Projector  int64
	Laptop     int64
	BorrowerID string
}

// NewDB returns a migrated in-memory sqlite database.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to connect test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// SeedBase creates one internal user, category, location, borrower and two resources.
func SeedBase(t testing.TB, db *gorm.DB) Fixture {
	t.Helper()

	user := models.InternalUser{Name: "Ana Admin", Email: "ana@example.com", Active: true}
	category := models.Category{Name: "Audiovisual", Active: true}
	location := models.Location{Name: "Main Hall", Active: true}
	mustCreate(t, db, &user)
	mustCreate(t, db, &category)
	mustCreate(t, db, &location)
	AddBorrower(t, db, BorrowerPedro, "Pedro Soto", nil)

	return Fixture{
		UserID:     user.ID,
		CategoryID: category.ID,
		LocationID: location.ID,
		Projector:  AddResource(t, db, "Projector", category.ID, location.ID),
		Laptop:     AddResource(t, db, "Laptop", category.ID, location.ID),
		BorrowerID: BorrowerPedro,
	}
}

// AddBorrower creates an active borrower.
func AddBorrower(t testing.TB, db *gorm.DB, id, name string, reputation *float64) {
	t.Helper()
	mustCreate(t, db, &models.Borrower{ID: id, Name: name, Reputation: reputation, Active: true})
}

// AddResource creates an available, active resource.
func AddResource(t testing.TB, db *gorm.DB, name string, categoryID, locationID int64) int64 {
	t.Helper()
	r := models.Resource{Name: name, CategoryID: categoryID, LocationID: locationID, Available: true, Active: true}
	mustCreate(t, db, &r)
	return r.ID
}

// AddLoan inserts a loan row as-is, without touching the resource.
func AddLoan(t testing.TB, db *gorm.DB, loan models.Loan) int64 {
	t.Helper()
	mustCreate(t, db, &loan)
	return loan.ID
}

func mustCreate(t testing.TB, db *gorm.DB, value interface{}) {
	t.Helper()
	if err := db.Omit(clause.Associations).Create(value).Error; err != nil {
		t.Fatalf("create %T: %v", value, err)
	}
}
