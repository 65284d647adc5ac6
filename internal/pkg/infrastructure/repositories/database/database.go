package database

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/config"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/repositories/models"
	"github.com/juju/errors"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//ErrCommandLogFinal is returned when a CommandLog that already left pending is updated again
var ErrCommandLogFinal = errors.New("command log is no longer pending")

//Datastore is an interface that is used to inject the database into different handlers to improve testability
type Datastore interface {
	CreateDevice(device *models.Device) (*models.Device, error)
	GetDeviceFromIMEI(imei string) (*models.Device, error)
	GetDeviceFromIdentifier(identifier string) (*models.Device, error)
	GetDeviceFromPhoneNumber(phoneNumber string) (*models.Device, error)
	GetDevices() ([]models.Device, error)
	UpdateDeviceCache(imei string, update models.DeviceCacheUpdate) error

	CreateLocationRecord(record *models.LocationRecord) error
	CreateHealthRecord(record *models.HealthRecord) error
	CreateAlarmRecord(record *models.AlarmRecord) error

	CreateCommandLog(entry *models.CommandLog) error
	CompleteCommandLog(id uint, status, providerMessageID, errorText string, at time.Time) error
	GetCommandLogs(imei string, limit int) ([]models.CommandLog, error)
}

var dbCtxKey = &databaseContextKey{"database"}

type databaseContextKey struct {
	name string
}

// Middleware packs a pointer to the datastore into context
func Middleware(db Datastore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), dbCtxKey, db)

			// and call the next with our new context
			r = r.WithContext(ctx)
			next.ServeHTTP(w, r)
		})
	}
}

//GetFromContext extracts the database wrapper, if any, from the provided context
func GetFromContext(ctx context.Context) (Datastore, error) {
	db, ok := ctx.Value(dbCtxKey).(Datastore)
	if ok {
		return db, nil
	}

	return nil, errors.New("Failed to decode database from context")
}

type myDB struct {
	impl *gorm.DB
}

//ConnectorFunc is used to inject a database connection method into NewDatabaseConnection
type ConnectorFunc func() (*gorm.DB, error)

//NewPostgreSQLConnector opens a connection to a postgresql database
func NewPostgreSQLConnector(cfg config.DatabaseConfig, log logging.Logger) ConnectorFunc {
	dbURI := cfg.DSN()

	return func() (*gorm.DB, error) {
		for {
			log.Infof("Connecting to database host %s ...", cfg.Host)
			db, err := gorm.Open(postgres.Open(dbURI), &gorm.Config{
				Logger: logger.Default.LogMode(logger.Warn),
			})
			if err != nil {
				log.Errorf("Failed to connect to database %s", err)
				time.Sleep(3 * time.Second)
			} else {
				return db, nil
			}
		}
	}
}

//NewSQLiteConnector opens a connection to a local sqlite database
func NewSQLiteConnector(path string) ConnectorFunc {
	if path == "" {
		path = "file::memory:?cache=shared"
	}

	return func() (*gorm.DB, error) {
		db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})

		if err == nil {
			db.Exec("PRAGMA foreign_keys = ON")
		}

		return db, err
	}
}

//NewConnector picks the connector matching the configured driver
func NewConnector(cfg config.DatabaseConfig, log logging.Logger) ConnectorFunc {
	if cfg.Driver == config.DBDriverSQLite {
		return NewSQLiteConnector(cfg.SQLitePath)
	}
	return NewPostgreSQLConnector(cfg, log)
}

//NewDatabaseConnection initializes a new connection to the database and wraps it in a Datastore
func NewDatabaseConnection(connect ConnectorFunc, log logging.Logger) (Datastore, error) {
	impl, err := connect()
	if err != nil {
		return nil, errors.Annotate(err, "connect")
	}

	db := &myDB{
		impl: impl,
	}

	err = db.impl.AutoMigrate(
		&models.Device{},
		&models.LocationRecord{},
		&models.HealthRecord{},
		&models.AlarmRecord{},
		&models.CommandLog{},
	)
	if err != nil {
		log.Errorf("Failed to migrate database schema: %s", err.Error())
		return nil, errors.Annotate(err, "migrate")
	}

	return db, nil
}

func (db *myDB) CreateDevice(src *models.Device) (*models.Device, error) {
	src.CanonicalIMEI = strings.TrimSpace(src.CanonicalIMEI)
	if src.CanonicalIMEI == "" {
		return nil, errors.NotValidf("device without canonical imei")
	}

	if src.RegistrationCode != nil {
		code := strings.TrimSpace(*src.RegistrationCode)
		if code == "" {
			src.RegistrationCode = nil
		} else {
			src.RegistrationCode = &code
		}
	}

	// an alias must never point at two devices, so the code may not shadow another device's imei and vice versa
	var clashes int64
	query := db.impl.Model(&models.Device{}).Where("registration_code = ?", src.CanonicalIMEI)
	if src.RegistrationCode != nil {
		query = query.Or("canonical_imei = ?", *src.RegistrationCode)
	}
	if result := query.Count(&clashes); result.Error != nil {
		return nil, errors.Annotate(result.Error, "check identifier aliases")
	}
	if clashes > 0 {
		return nil, errors.AlreadyExistsf("device identifier %s", src.CanonicalIMEI)
	}

	if result := db.impl.Create(src); result.Error != nil {
		return nil, errors.Annotatef(result.Error, "create device %s", src.CanonicalIMEI)
	}

	return src, nil
}

func (db *myDB) GetDeviceFromIMEI(imei string) (*models.Device, error) {
	return db.firstDevice("canonical_imei = ?", imei)
}

func (db *myDB) GetDeviceFromIdentifier(identifier string) (*models.Device, error) {
	device, err := db.firstDevice("canonical_imei = ?", identifier)
	if err == nil || !errors.IsNotFound(err) {
		return device, err
	}

	return db.firstDevice("registration_code = ?", identifier)
}

func (db *myDB) GetDeviceFromPhoneNumber(phoneNumber string) (*models.Device, error) {
	return db.firstDevice("phone_number = ?", phoneNumber)
}

func (db *myDB) firstDevice(condition, value string) (*models.Device, error) {
	if value == "" {
		return nil, errors.NotFoundf("device with empty identifier")
	}

	device := &models.Device{}
	result := db.impl.Where(condition, value).Limit(1).Find(device)
	if result.Error != nil {
		return nil, errors.Annotatef(result.Error, "query device %s", value)
	}
	if result.RowsAffected == 0 {
		return nil, errors.NotFoundf("device %s", value)
	}

	return device, nil
}

func (db *myDB) GetDevices() ([]models.Device, error) {
	devices := []models.Device{}
	result := db.impl.Order("canonical_imei").Find(&devices)
	if result.Error != nil {
		return nil, errors.Annotate(result.Error, "query devices")
	}

	return devices, nil
}

//UpdateDeviceCache applies every group of update that is not older than what is already stored.
//Stale groups are skipped silently so a late write never replaces a newer observation.
func (db *myDB) UpdateDeviceCache(imei string, update models.DeviceCacheUpdate) error {
	groups := update.Groups()
	if len(groups) == 0 {
		return nil
	}

	return db.impl.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Device{}).Where("canonical_imei = ?", imei).Count(&count).Error; err != nil {
			return errors.Annotatef(err, "update device cache %s", imei)
		}
		if count == 0 {
			return errors.NotFoundf("device %s", imei)
		}

		for _, g := range groups {
			q := tx.Model(&models.Device{})
			if g.Guard == "" {
				q = q.Where("canonical_imei = ?", imei)
			} else {
				q = q.Where("canonical_imei = ? AND ("+g.Guard+" IS NULL OR "+g.Guard+" <= ?)", imei, g.At)
			}
			if err := q.Updates(g.Columns).Error; err != nil {
				return errors.Annotatef(err, "update device cache %s", imei)
			}
		}

		return nil
	})
}

func (db *myDB) CreateLocationRecord(record *models.LocationRecord) error {
	return errors.Annotate(db.impl.Create(record).Error, "create location record")
}

func (db *myDB) CreateHealthRecord(record *models.HealthRecord) error {
	return errors.Annotate(db.impl.Create(record).Error, "create health record")
}

func (db *myDB) CreateAlarmRecord(record *models.AlarmRecord) error {
	return errors.Annotate(db.impl.Create(record).Error, "create alarm record")
}

func (db *myDB) CreateCommandLog(entry *models.CommandLog) error {
	return errors.Annotate(db.impl.Create(entry).Error, "create command log")
}

func (db *myDB) CompleteCommandLog(id uint, status, providerMessageID, errorText string, at time.Time) error {
	cols := map[string]interface{}{
		"status": status,
	}

	switch status {
	case models.StatusSent:
		cols["provider_message_id"] = providerMessageID
		cols["sent_at"] = at
	case models.StatusFailed:
		cols["error"] = errorText
		cols["failed_at"] = at
	default:
		return errors.NotValidf("command log status %q", status)
	}

	result := db.impl.Model(&models.CommandLog{}).
		Where("id = ? AND status = ?", id, models.StatusPending).
		Updates(cols)
	if result.Error != nil {
		return errors.Annotatef(result.Error, "complete command log %d", id)
	}
	if result.RowsAffected == 0 {
		return errors.Annotatef(ErrCommandLogFinal, "command log %d", id)
	}

	return nil
}

func (db *myDB) GetCommandLogs(imei string, limit int) ([]models.CommandLog, error) {
	if limit <= 0 {
		limit = 50
	}

	entries := []models.CommandLog{}
	result := db.impl.Where("device_imei = ?", imei).Order("id desc").Limit(limit).Find(&entries)
	if result.Error != nil {
		return nil, errors.Annotatef(result.Error, "query command logs %s", imei)
	}

	return entries, nil
}
