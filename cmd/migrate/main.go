// ==============================================================================
// SCHEMA MIGRATION RUNNER - cmd/migrate/main.go
// ==============================================================================
// Applies the clearing schema (windows, obligations, net positions,
// settlement instructions) against the configured Postgres instance.
//
//	migrate [-dir migrations] up
//	migrate [-dir migrations] down [steps]
//	migrate [-dir migrations] version
//	migrate [-dir migrations] force <version>
// ==============================================================================
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding the migration files")
	flag.Parse()

	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	args := flag.Args()
	if len(args) == 0 {
		log.Fatal("usage: migrate [-dir DIR] up|down [steps]|version|force <version>")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("create migration driver: %v", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+*dir, "postgres", driver)
	if err != nil {
		log.Fatalf("create migrator: %v", err)
	}

	switch args[0] {
	case "up":
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("apply migrations: %v", err)
		}
		log.Println("clearing schema is up to date")

	case "down":
		steps := 1
		if len(args) > 1 {
			if steps, err = strconv.Atoi(args[1]); err != nil || steps < 1 {
				log.Fatalf("invalid step count %q", args[1])
			}
		}
		if err := m.Steps(-steps); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("roll back %d migration(s): %v", steps, err)
		}
		log.Printf("rolled back %d migration(s)", steps)

	case "version":
		version, dirty, err := m.Version()
		if err == migrate.ErrNilVersion {
			fmt.Println("no migrations applied")
			return
		}
		if err != nil {
			log.Fatalf("read schema version: %v", err)
		}
		fmt.Printf("schema version %d (dirty: %t)\n", version, dirty)

	case "force":
		if len(args) < 2 {
			log.Fatal("usage: migrate force <version>")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatalf("invalid version %q", args[1])
		}
		if err := m.Force(version); err != nil {
			log.Fatalf("force schema version: %v", err)
		}
		log.Printf("schema version forced to %d", version)

	default:
		log.Fatalf("unknown command %q", args[0])
	}
}
