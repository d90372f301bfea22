package cli

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/queue"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

var syncFull bool

var syncCmd = &cobra.Command{
	Use:   "sync <account-id>",
	Short: "Sync one account in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "Discard the cursor and rebuild the mailbox")
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	acct, err := a.store.GetAccount(ctx, args[0])
	if err != nil {
		return err
	}
	if acct.Status == mail.StatusDisabled {
		return fmt.Errorf("account %s is disabled", acct.ID)
	}
	if syncFull {
		if acct, err = a.store.RequestResync(ctx, acct.ID); err != nil {
			return err
		}
	}

	kind := mailsync.TaskKindFor(acct)
	started := time.Now()
	for attempt := 0; attempt < 2; attempt++ {
		task := queue.Task{Kind: kind, TenantID: acct.TenantID, AccountID: acct.ID, EnqueuedAt: time.Now()}
		if err := a.manager.RunTask(ctx, task); err != nil {
			return err
		}
		acct, err = a.store.GetAccount(ctx, acct.ID)
		if err != nil {
			return err
		}
		// an expired cursor leaves the account in RESYNC; follow up with a full sync
		if acct.Status != mail.StatusResync {
			break
		}
		kind = queue.KindFullSync
	}

	log.Info().
		Str("account_id", acct.ID).
		Str("provider", string(acct.Provider)).
		Str("status", string(acct.Status)).
		Dur("elapsed", time.Since(started)).
		Msg("sync finished")
	if acct.Status == mail.StatusError {
		return fmt.Errorf("sync failed: %s", acct.LastError)
	}
	return nil
}
