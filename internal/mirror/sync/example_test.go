package sync_test

import (
	"context"
	"fmt"
	"log"

	"github.com/treesync/treesync/internal/mirror/db"
	"github.com/treesync/treesync/internal/mirror/filter"
	"github.com/treesync/treesync/internal/mirror/sync"
)

// This example demonstrates a manual sync of one registered project.
// Note: This is for documentation only and won't run as a test.
func ExampleEngine_Sync() {
	ctx := context.Background()

	database, err := db.Open(".treesync/mirror.db")
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()

	if err := database.InitSchema(); err != nil {
		log.Fatal(err)
	}

	project, err := database.GetProjectByName(ctx, "web")
	if err != nil {
		log.Fatal(err)
	}

	engine := sync.New(database, sync.Config{Filter: filter.Default()})
	result, err := engine.Sync(ctx, project)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("added %d files, %d directories\n", result.FilesAdded, result.DirectoriesAdded)
}
