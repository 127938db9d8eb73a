// internal/app/bootstrap/dbdeps.go
package bootstrap

import (
	"go.mongodb.org/mongo-driver/mongo"
	"gorm.io/gorm"
)

// DBDeps holds database/back-end dependencies for the app.
//
// The primary store (Mongo) carries the fleet documents; the coordination
// store (Postgres) carries the lease, assignment, and status rows whose
// writes need conditional-update semantics.
type DBDeps struct {
	MongoClient   *mongo.Client
	MongoDatabase *mongo.Database
	PG            *gorm.DB
}
