package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"go.pilab.hu/restodb/query"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the configured backend is reachable and the credential works",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		start := time.Now()
		db, closeDB, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		names, err := db.Collections(cmd.Context())
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), map[string]any{
			"backend":     cfg.Backend,
			"ready":       db.Ready(),
			"collections": names,
			"latency":     time.Since(start).Round(time.Millisecond).String(),
		})
	},
}

var collectionsCmd = &cobra.Command{
	Use:     "collections",
	Aliases: []string{"ls"},
	Short:   "List collections",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, closeDB, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		names, err := db.Collections(cmd.Context())
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), names)
	},
}

var getCmd = &cobra.Command{
	Use:   "get COLLECTION ID",
	Short: "Get a document by id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, closeDB, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		doc, err := db.Collection(args[0]).Get(cmd.Context(), args[1])
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), doc)
	},
}

var findCmd = &cobra.Command{
	Use:   "find COLLECTION",
	Short: "Query a collection",
	Example: `  restoctl find orders --where status=ready --where total__gte=20 --sort orderDate:desc --limit 5
  restoctl find menu --where tags__contains=vegan --count`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		where, _ := cmd.Flags().GetStringArray("where")
		sortBy, _ := cmd.Flags().GetString("sort")
		limit, _ := cmd.Flags().GetInt("limit")
		countOnly, _ := cmd.Flags().GetBool("count")

		params, err := whereParams(where, sortBy, limit)
		if err != nil {
			return err
		}

		db, closeDB, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		q := db.Collection(args[0]).Query()
		if err := query.ApplyParams(q, params); err != nil {
			return err
		}
		if countOnly {
			n, err := q.Count(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), map[string]int{"count": n})
		}
		docs, err := q.Exec(cmd.Context())
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), docs)
	},
}

var insertCmd = &cobra.Command{
	Use:   "insert COLLECTION",
	Short: "Insert one document, or an array of documents as one batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, _ := cmd.Flags().GetString("data")
		file, _ := cmd.Flags().GetString("file")
		raw, err := readInput(data, file)
		if err != nil {
			return err
		}
		docs, err := decodeDocuments(raw)
		if err != nil {
			return err
		}

		db, closeDB, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		coll := db.Collection(args[0])
		if len(docs) == 1 {
			doc, err := coll.Insert(cmd.Context(), docs[0])
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), doc)
		}
		stored, err := coll.InsertMany(cmd.Context(), docs)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), stored)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update COLLECTION ID",
	Short: "Merge fields into a document; null removes a field",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, _ := cmd.Flags().GetString("data")
		file, _ := cmd.Flags().GetString("file")
		replace, _ := cmd.Flags().GetBool("replace")
		raw, err := readInput(data, file)
		if err != nil {
			return err
		}
		docs, err := decodeDocuments(raw)
		if err != nil {
			return err
		}
		if len(docs) != 1 {
			return fmt.Errorf("update takes exactly one document")
		}

		db, closeDB, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		coll := db.Collection(args[0])
		if replace {
			doc, err := coll.Replace(cmd.Context(), args[1], docs[0])
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), doc)
		}
		doc, err := coll.Update(cmd.Context(), args[1], docs[0])
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), doc)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete COLLECTION [ID]",
	Short: "Delete a document, or every document matching --where",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		where, _ := cmd.Flags().GetStringArray("where")
		if len(args) == 2 && len(where) > 0 {
			return fmt.Errorf("give either an id or --where filters, not both")
		}
		if len(args) == 1 && len(where) == 0 {
			return fmt.Errorf("give an id or at least one --where filter")
		}

		db, closeDB, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		coll := db.Collection(args[0])
		if len(args) == 2 {
			if err := coll.Delete(cmd.Context(), args[1]); err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), map[string]int{"deleted": 1})
		}

		params, err := whereParams(where, "", -1)
		if err != nil {
			return err
		}
		preds, err := query.ParseFilters(params)
		if err != nil {
			return err
		}
		n, err := coll.DeleteWhere(cmd.Context(), preds...)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), map[string]int{"deleted": n})
	},
}

func init() {
	rootCmd.AddCommand(pingCmd, collectionsCmd, getCmd, findCmd, insertCmd, updateCmd, deleteCmd)

	findCmd.Flags().StringArrayP("where", "w", nil, "filter as field=value or field__op=value (repeatable)")
	findCmd.Flags().String("sort", "", "sort keys, e.g. orderDate:desc,id")
	findCmd.Flags().Int("limit", -1, "maximum number of documents")
	findCmd.Flags().Bool("count", false, "print only the number of matches")

	for _, c := range []*cobra.Command{insertCmd, updateCmd} {
		c.Flags().StringP("data", "d", "", "inline JSON document")
		c.Flags().StringP("file", "f", "", "read the JSON document from a file, - for stdin")
	}
	updateCmd.Flags().Bool("replace", false, "replace the whole document instead of merging")

	deleteCmd.Flags().StringArrayP("where", "w", nil, "delete every document matching the filter (repeatable)")
}
