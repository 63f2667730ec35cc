package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"defense-gateway/internal/config"
)

type rootFlags struct {
	configFile string
	output     string
	v          *viper.Viper
}

func (f *rootFlags) load() (*config.Config, error) {
	return config.LoadWith(f.v, f.configFile)
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{v: config.New()}

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Login and rate-abuse defense gateway",
		Long: `gateway protege um back office contra brute force e abuso de taxa.

"serve" roda o proxy reverso; os demais subcomandos falam com a API /admin.`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&f.configFile, "config", "", "config file (YAML or TOML)")
	pf.StringVarP(&f.output, "output", "o", "table", "output format: table, yaml or json")
	pf.String("admin-url", "", "admin API base URL (admin.url)")
	pf.String("token", "", "admin bearer token (admin.token)")
	_ = f.v.BindPFlag("admin.url", pf.Lookup("admin-url"))
	_ = f.v.BindPFlag("admin.token", pf.Lookup("token"))

	cmd.AddCommand(
		newServeCmd(f),
		newLockoutCmd(f),
		newBanCmd(f),
		newThresholdsCmd(f),
		newStatsCmd(f),
	)
	return cmd
}
