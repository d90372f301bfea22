package cli

import (
	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		key, err := cfg.Crypto.TokenKeyBytes()
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.Database, key)
		if err != nil {
			return err
		}
		defer st.Close()
		return st.Migrate()
	},
}
