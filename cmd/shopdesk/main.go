// Command shopdesk runs the support mailbox pipeline and its operator tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gotrs-io/shopdesk/internal/config"
	"github.com/gotrs-io/shopdesk/internal/version"
)

type rootOptions struct {
	configDir  string
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "shopdesk",
		Short: "Shopdesk - e-mail support desk for online stores",
		Long: `Shopdesk turns a support mailbox into tickets.

It fetches mail over POP3 or IMAP, classifies each message, threads replies
onto existing tickets and delivers operator answers through a retrying
outbound queue.`,
		Version:       version.Get().Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configDir, "config-dir", "./config", "Directory holding default.yaml and config.yaml")
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Single config file to load instead of --config-dir")

	root.AddCommand(
		newServeCmd(opts),
		newFetchCmd(opts),
		newDrainCmd(opts),
		newQueueCmd(opts),
		newTicketCmd(opts),
		newBlocklistCmd(opts),
		newMigrateCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration selected by the global flags.
func (o *rootOptions) load() (*config.Config, error) {
	if o.configFile != "" {
		if err := config.LoadFromFile(o.configFile); err != nil {
			return nil, err
		}
	} else if err := config.Load(o.configDir); err != nil {
		return nil, err
	}
	return config.Get(), nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
