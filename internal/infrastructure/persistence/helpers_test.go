package persistence

import (
	"testing"
	"time"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens a fresh in-memory SQLite database with every table.
// Each call gets its own database, so tests never share rows.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps the in-memory database alive across queries.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(AllModels()...))
	return db
}

var fixtureNow = time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)

// newDocumentFixture builds a valid received document with one taxed line.
func newDocumentFixture(t *testing.T, tenantID uuid.UUID, documentUUID string, issuedAt time.Time) *fiscal.FiscalDocument {
	t.Helper()
	d := &fiscal.FiscalDocument{
		UUID:          documentUUID,
		Version:       "4.0",
		Series:        "A",
		Folio:         "100",
		Kind:          fiscal.KindIncome,
		IssuedAt:      issuedAt,
		StampedAt:     issuedAt.Add(time.Minute),
		Issuer:        fiscal.Party{RFC: "AAA010101AAA", Name: "PROVEEDOR SA", Regime: "601"},
		Recipient:     fiscal.Party{RFC: "BBB020202BBB", Name: "CLIENTE SA", Regime: "601", Use: "G03", PostalCode: "06600"},
		Currency:      "MXN",
		Subtotal:      decimal.RequireFromString("1000.00"),
		Discount:      decimal.Zero,
		Total:         decimal.RequireFromString("1160.00"),
		PaymentMethod: fiscal.PaymentSingle,
		PaymentForm:   "03",
		Provenance:    fiscal.ProvenanceAuthority,
		Lines: []fiscal.LineItem{{
			Position:    1,
			ProductCode: "84111506",
			Quantity:    decimal.RequireFromString("2"),
			UnitCode:    "E48",
			Description: "Servicio contable",
			UnitPrice:   decimal.RequireFromString("500"),
			Amount:      decimal.RequireFromString("1000.00"),
			Discount:    decimal.Zero,
			TaxObject:   "02",
			Taxes: []fiscal.TaxLine{{
				Kind:       fiscal.TaxTransferred,
				Tax:        "002",
				FactorType: "Tasa",
				Rate:       decimal.RequireFromString("0.160000"),
				Base:       decimal.RequireFromString("1000.00"),
				Amount:     decimal.RequireFromString("160.00"),
			}},
		}},
		TransferredTaxTotal: decimal.RequireFromString("160.00"),
		WithheldTaxTotal:    decimal.Zero,
	}
	doc, err := fiscal.NewFiscalDocument(d, tenantID, fiscal.LifecycleReceived, fixtureNow)
	require.NoError(t, err)
	return doc
}
