package db

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/glebarez/sqlite"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pysugar/llm-relay/internal/db/models"
)

// InitDB initializes the SQLite database connection and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	// Auto-migrate all models
	if err := db.AutoMigrate(&models.Account{}, &models.Config{}, &models.RequestLog{}); err != nil {
		return nil, err
	}

	// Ensure API key exists (generate on first run)
	ensureAPIKey(db)

	return db, nil
}

// ensureAPIKey generates API key if not exists
func ensureAPIKey(db *gorm.DB) {
	var config models.Config
	result := db.Where("key = ?", "api_key").First(&config)

	if result.Error != nil {
		db.Create(&models.Config{
			Key:   "api_key",
			Value: newAPIKey(),
		})
	}
}

// newAPIKey generates an API key of the form sk-<32 hex chars>.
func newAPIKey() string {
	keyBytes := make([]byte, 16)
	rand.Read(keyBytes)
	apiKey := "sk-" + hex.EncodeToString(keyBytes)
	log.Infof("🔑 Generated new API key: %s", apiKey)
	return apiKey
}

// GetAPIKey retrieves the API key from database
func GetAPIKey(db *gorm.DB) string {
	var config models.Config
	db.Where("key = ?", "api_key").First(&config)
	return config.Value
}

// RegenerateAPIKey creates a new API key, inserting the row if it is
// missing.
func RegenerateAPIKey(db *gorm.DB) string {
	apiKey := newAPIKey()
	var config models.Config
	db.Where(models.Config{Key: "api_key"}).
		Assign(models.Config{Value: apiKey}).
		FirstOrCreate(&config)
	return apiKey
}
