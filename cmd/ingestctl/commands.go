package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ingestmgr.evalgo.org/ingest"
	"ingestmgr.evalgo.org/ingestlog"
)

func loadStore(ctx context.Context) (*ingest.Store, error) {
	cfg, err := ingest.LoadConfig("INGESTCTL")
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("dsn"); v != "" {
		cfg.DSN = v
	}
	log := ingestlog.NewComponentLogger(ingestlog.New(ingestlog.DefaultConfig()), "ingestctl")
	return ingest.NewStore(ctx, cfg, log)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "apply declarative schema migrations to the ingeststatus table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := loadStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		return store.Migrate(ctx)
	},
}

var resetOutputCmd = &cobra.Command{
	Use:   "reset-output <output-connection>",
	Short: "blank last_version for every row of an output connection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := loadStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		return store.ResetVersions(ctx, args[0])
	},
}

var removeOutputCmd = &cobra.Command{
	Use:   "remove-output <output-connection>",
	Short: "delete every row of an output connection",
	Long: `Deletes the store's rows for the named output connection. The
downstream connector's note_all_records_removed notification (§6) is a
separate collaborator call made by an embedding crawler, not this CLI —
ingestctl only owns the ingest store, not connector pools.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := loadStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		return store.DeleteByOutput(ctx, args[0])
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <output-connection> <doc-key>",
	Short: "print the stored ingest record for one (output, doc_key) pair",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := loadStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		rec, err := store.LookupByKey(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if rec == nil {
			fmt.Println("no record found")
			return nil
		}
		fmt.Printf("id=%d output=%s doc_key=%s doc_uri=%q last_version=%q change_count=%d first_ingest=%d last_ingest=%d authority=%q\n",
			rec.ID, rec.OutputConnection, rec.DocKey, rec.DocURI, rec.LastVersion, rec.ChangeCount, rec.FirstIngest, rec.LastIngest, rec.AuthorityName)
		return nil
	},
}
