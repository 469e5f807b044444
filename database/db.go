package database

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/internal/apierror"
	_ "github.com/lib/pq"
)

var (
	// ErrNotFound matches any datasource error for a missing row or a
	// compare-and-swap update whose expected state did not hold.
	ErrNotFound = apierror.APIError{Code: apierror.ErrNotFound}
	// ErrConflict matches unique violations, such as a reused request id.
	ErrConflict = apierror.APIError{Code: apierror.ErrConflict}
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// ConnectDB opens the Postgres pool. The schema is owned by the migrate
// command, nothing is created here.
func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	return db, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}
