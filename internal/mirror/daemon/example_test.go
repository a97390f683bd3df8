package daemon_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/treesync/treesync/internal/mirror/daemon"
	"github.com/treesync/treesync/internal/mirror/db"
	"github.com/treesync/treesync/internal/mirror/filter"
	"github.com/treesync/treesync/internal/mirror/schema"
	"github.com/treesync/treesync/internal/mirror/sync"
)

// This example watches every active project until interrupted.
// Note: This is for documentation only and won't run as a test.
func ExampleCoordinator() {
	database, err := db.Open(".treesync/mirror.db")
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()

	if err := database.InitSchema(); err != nil {
		log.Fatal(err)
	}

	f := filter.Default()
	engine := sync.New(database, sync.Config{Filter: f})

	config := daemon.DefaultConfig()
	config.Debounce = 250 * time.Millisecond
	config.Filter = f
	config.OnSyncComplete = func(p *schema.Project, result *sync.SyncResult, err error) {
		if err != nil {
			fmt.Printf("%s: %v\n", p.Name, err)
			return
		}
		fmt.Printf("%s: %s\n", p.Name, result)
	}

	coord, err := daemon.NewWithConfig(database, engine, config)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := coord.Start(ctx); err != nil {
		log.Fatal(err)
	}
	<-ctx.Done()
	_ = coord.Stop()
}
