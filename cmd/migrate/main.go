// Command migrate applies or rolls back the schema in migrations/ using
// golang-migrate. Usage: migrate up|down|version.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"

	"github.com/boxofficeoss/reservation-core/internal/config"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("info: .env not found; using defaults/env")
	}
	if len(os.Args) < 2 {
		log.Fatal("usage: migrate up|down|version")
	}

	cfg := config.Load()
	auth := cfg.DBUser
	if cfg.DBPass != "" {
		auth = cfg.DBUser + ":" + cfg.DBPass
	}
	dsn := fmt.Sprintf("mysql://%s@tcp(%s:%s)/%s", auth, cfg.DBHost, cfg.DBPort, cfg.DBName)

	m, err := migrate.New("file://migrations", dsn)
	if err != nil {
		log.Fatalf("migrate init: %v", err)
	}

	switch os.Args[1] {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "version":
		v, dirty, vErr := m.Version()
		if vErr != nil {
			log.Fatalf("migrate version: %v", vErr)
		}
		log.Printf("version=%d dirty=%t", v, dirty)
		return
	default:
		log.Fatalf("unknown command %q", os.Args[1])
	}
	if err != nil && err != migrate.ErrNoChange {
		log.Fatalf("migrate %s: %v", os.Args[1], err)
	}
	log.Printf("migrate %s: ok", os.Args[1])
}
