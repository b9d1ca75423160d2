// Package store exports a session's readings and mesh nodes to sqlite.
package store

import (
	"database/sql"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/bemasher/rtlelster/mesh"
	"github.com/bemasher/rtlelster/session"
)

const batchSize = 500

// HourlyReading is one meter's consumption for one hour index, in
// hundredths of a kWh.
type HourlyReading struct {
	Meter uint32 `gorm:"primaryKey;autoIncrement:false"`
	Hour  uint16 `gorm:"primaryKey;autoIncrement:false"`
	Value uint16
}

// MeshNode mirrors mesh.Node, unknown attributes are NULL.
type MeshNode struct {
	ID         uint32 `gorm:"primaryKey;autoIncrement:false"`
	Parent     *uint32
	Level      *uint8
	Gatekeeper *uint32
}

func newMeshNode(n mesh.Node) (m MeshNode) {
	m.ID = uint32(n.ID)
	if n.HasParent {
		parent := uint32(n.Parent)
		m.Parent = &parent
	}
	if n.HasLevel {
		level := n.Level
		m.Level = &level
	}
	if n.HasGatekeeper {
		gatekeeper := uint32(n.Gatekeeper)
		m.Gatekeeper = &gatekeeper
	}
	return
}

type DB struct {
	db *gorm.DB
}

// Open creates or opens the database at path with the pure Go sqlite driver.
func Open(path string) (*DB, error) {
	dialector := sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(log.StandardLogger(), logger.Config{
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "sql db")
	}
	if err := configure(sqlDB); err != nil {
		return nil, multierr.Append(err, sqlDB.Close())
	}

	if err := db.AutoMigrate(&HourlyReading{}, &MeshNode{}); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "migrate"), sqlDB.Close())
	}

	log.WithField("path", path).Debug("database initialized")

	return &DB{db: db}, nil
}

func configure(sqlDB *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return errors.Wrap(err, pragma)
		}
	}
	return nil
}

// Save upserts every reading with data and every mesh node in a single
// transaction.
func (db *DB) Save(s *session.Session) error {
	var readings []HourlyReading
	for _, meter := range s.Hourly.Meters() {
		rs, _ := s.Hourly.Query(meter)
		for _, r := range rs {
			if r.Valid {
				readings = append(readings, HourlyReading{uint32(meter), r.Hour, r.Value})
			}
		}
	}

	var nodes []MeshNode
	for _, n := range s.Mesh.Snapshot() {
		nodes = append(nodes, newMeshNode(n))
	}

	err := db.db.Transaction(func(tx *gorm.DB) error {
		if len(readings) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(readings, batchSize).Error; err != nil {
				return err
			}
		}
		if len(nodes) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(nodes, batchSize).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "save session")
	}

	log.WithFields(log.Fields{"readings": len(readings), "nodes": len(nodes)}).Info("saved session")

	return nil
}

// Readings returns a meter's stored readings ordered by hour.
func (db *DB) Readings(meter uint32) (readings []HourlyReading, err error) {
	err = db.db.Where("meter = ?", meter).Order("hour").Find(&readings).Error
	return readings, errors.Wrap(err, "query readings")
}

func (db *DB) Nodes() (nodes []MeshNode, err error) {
	err = db.db.Order("id").Find(&nodes).Error
	return nodes, errors.Wrap(err, "query nodes")
}

func (db *DB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
