package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
)

// seedFile maps collection names to the documents to insert.
type seedFile map[string][]map[string]any

var seedCmd = &cobra.Command{
	Use:   "seed FILE",
	Short: "Bulk import documents from a YAML or JSON file",
	Long: `Seed inserts the documents of each collection listed in FILE as one batch,
so every collection costs a single remote write. FILE maps collection names
to document lists:

  menu:
    - name: Margherita
      price: 9.5
  orders:
    - restaurantId: r1
      total: 36.7

A batch with an invalid document writes nothing for that collection.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		drop, _ := cmd.Flags().GetBool("drop")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var file seedFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("cannot parse %s: %w", args[0], err)
		}

		db, closeDB, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		names := make([]string, 0, len(file))
		for name := range file {
			names = append(names, name)
		}
		sort.Strings(names)

		inserted := make(map[string]int, len(names))
		for _, name := range names {
			coll := db.Collection(name)
			if drop {
				if err := coll.Drop(cmd.Context()); err != nil && !serrors.IsNotFound(err) {
					return fmt.Errorf("drop %s: %w", name, err)
				}
			}

			docs := make([]domain.Document, 0, len(file[name]))
			for _, d := range file[name] {
				docs = append(docs, domain.Document(d))
			}
			stored, err := coll.InsertMany(cmd.Context(), docs)
			if err != nil {
				return fmt.Errorf("seed %s: %w", name, err)
			}
			inserted[name] = len(stored)
			appLogger.Info(cmd.Context(), "collection seeded", map[string]interface{}{
				"collection": name,
				"documents":  len(stored),
			})
		}
		return printResult(cmd.OutOrStdout(), inserted)
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().Bool("drop", false, "drop each collection before inserting")
}
