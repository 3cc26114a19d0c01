// Command pgcache-migrate creates or upgrades the cache entries table and
// its indexes. It is safe to run repeatedly, including concurrently across
// many deploys of the same schema.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/mnorrsken/pgcache"
)

func main() {
	var (
		dsn           = flag.String("dsn", os.Getenv("PGCACHE_DSN"), "authoritative store connection string")
		schemaPrefix  = flag.String("schema-prefix", os.Getenv("PGCACHE_SCHEMA_PREFIX"), "identifier prefix for table/index/channel names")
		notifyChannel = flag.String("notify-channel", os.Getenv("PGCACHE_NOTIFY_CHANNEL"), "override the derived notification channel name")
		timeout       = flag.Duration("timeout", 30*time.Second, "deadline for the migration run")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatalf("pgcache-migrate: -dsn (or PGCACHE_DSN) is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	settings := pgcache.DefaultSettings(*dsn)
	settings.SchemaPrefix = *schemaPrefix
	settings.NotifyChannel = *notifyChannel

	log.Printf("pgcache-migrate: applying migrations (schema-prefix=%q)...", *schemaPrefix)
	if err := pgcache.InitDB(ctx, settings); err != nil {
		log.Fatalf("pgcache-migrate: migration failed: %v", err)
	}
	log.Println("pgcache-migrate: migrations applied successfully")
}
