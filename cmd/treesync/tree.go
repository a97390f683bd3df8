package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treesync/treesync/internal/mirror/db"
	"github.com/treesync/treesync/internal/mirror/schema"
	"github.com/treesync/treesync/internal/ui"
)

var treeCmd = &cobra.Command{
	Use:     "tree <project> [path]",
	GroupID: "mirror",
	Short:   "Print the mirrored tree of a project",
	Long: `Print the mirrored tree of a project, or of one directory within it.

This reads the database only; run 'treesync sync' first to pick up changes on
disk. With --json, every node at or below the path is printed as a flat list.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		depth, _ := cmd.Flags().GetInt("depth")

		ctx := cmd.Context()
		database := openDB()
		defer database.Close()

		p := mustFindProject(ctx, database, args[0])
		rel := ""
		if len(args) == 2 {
			rel = schema.NormalizePath(args[1])
		}

		if jsonOutput {
			nodes, err := database.ListNodes(ctx, p.ID)
			if err != nil {
				fatalf("%v", err)
			}
			subtree := make([]*schema.Node, 0, len(nodes))
			for _, n := range nodes {
				if schema.IsWithin(n.RelativePath, rel) {
					subtree = append(subtree, n)
				}
			}
			outputJSON(subtree)
			return
		}

		var parentID *int64
		label := p.Name
		if rel != "" {
			n, err := database.GetByPath(ctx, p.ID, rel)
			if err != nil {
				fatalf("%v", err)
			}
			if !n.IsDirectory {
				fmt.Printf("%s %s\n", n.RelativePath, ui.RenderMuted(ui.FormatSize(n.Size())))
				return
			}
			parentID = &n.ID
			label = p.Name + ":" + rel
		}

		var b strings.Builder
		fmt.Fprintln(&b, ui.RenderBold(label))
		files, dirs, err := printTree(ctx, &b, database, p.ID, parentID, "", 1, depth)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Print(b.String())
		fmt.Printf("\n%s, %s\n", ui.Count(dirs, "directory"), ui.Count(files, "file"))
	},
}

func init() {
	treeCmd.Flags().IntP("depth", "L", 0, "Descend at most this many levels (0 = unlimited)")
	rootCmd.AddCommand(treeCmd)
}

// printTree writes the children of parentID in tree(1) style and returns how
// many files and directories it printed.
func printTree(ctx context.Context, b *strings.Builder, database *db.DB, projectID int64, parentID *int64, indent string, level, maxDepth int) (files, dirs int, err error) {
	children, err := database.ListChildren(ctx, projectID, parentID)
	if err != nil {
		return 0, 0, err
	}

	for i, n := range children {
		branch, next := "├── ", "│   "
		if i == len(children)-1 {
			branch, next = "└── ", "    "
		}

		if !n.IsDirectory {
			files++
			fmt.Fprintf(b, "%s%s%s %s\n", indent, branch, n.Name, ui.RenderMuted(ui.FormatSize(n.Size())))
			continue
		}

		dirs++
		fmt.Fprintf(b, "%s%s%s\n", indent, branch, ui.RenderAccent(n.Name+"/"))
		if maxDepth > 0 && level >= maxDepth {
			continue
		}
		f, d, err := printTree(ctx, b, database, projectID, &n.ID, indent+next, level+1, maxDepth)
		if err != nil {
			return files, dirs, err
		}
		files += f
		dirs += d
	}
	return files, dirs, nil
}
