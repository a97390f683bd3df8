// Package sync reconciles a project's directory tree on disk with its stored mirror.
//
// Overview
//
// The engine keeps the mirror database (package db) equal to what is on disk
// for each registered project, and feeds the index queue with every file that
// needs (re)indexing.
//
// Architecture
//
//	Project root on disk                 Mirror database
//	     │                                   │
//	     ├── walkProject ──► observed set    ├── nodes (stored set)
//	     │   (filter prunes subtrees)        │
//	     └──────────────► diff ◄─────────────┘
//	                        │
//	                        ▼
//	     conflicts → creates → moves → deletes → updates   (one transaction)
//	                        │
//	                        ▼
//	                 queue_entries (Pending)
//
// Node identity is preserved for unchanged files, for files whose content
// changed, and for files that moved (unique match on name, size and
// modification time). A path that switched between file and directory gets
// a fresh node.
//
// Usage
//
//	database, err := db.Open(".treesync/mirror.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
//
//	engine := sync.New(database, sync.Config{Filter: filter.Default()})
//	result, err := engine.Sync(ctx, project)
//	if err != nil {
//	    return err // errors.Is(err, schema.ErrRootUnavailable) when the root is gone
//	}
//	fmt.Println(result)
package sync
