package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ppphp/portago-resolver/api"
	"github.com/ppphp/portago-resolver/config"
)

var (
	configPath string
	port       int
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "portago-api [--config portago.toml]",
	Short: "Serve the dependency resolver over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if debug {
			logrus.SetLevel(logrus.DebugLevel)
		}
		conf, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			conf.Server.Port = port
		}
		log := logrus.WithField("component", "api")
		addr := fmt.Sprintf(":%d", conf.Server.Port)
		log.WithField("addr", addr).Info("listening")
		return api.New(conf, log).Run(addr)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	rootCmd.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on, overrides [server] port")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
