package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/derktes/ir-remote-mapper/server/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string
	cmd := &cobra.Command{
		Use:   "irmapper-server",
		Short: "Capture and deploy IR remote codes through a serial-attached transceiver",
		Long: `irmapper-server bridges the web client and the IR transceiver. It serves the
remote/button API and the web page, relays capture requests from connected
browsers to the device and pushes selected remotes to the device on deploy.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := server.LoadConfig(v, configFile)
			if err != nil {
				return err
			}
			server.WatchConfig(v)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.Start(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "Config file (default ./irmapper.yaml or /etc/irmapper/irmapper.yaml)")
	flags.String("serial", "/dev/ttyUSB0", "Specifies the serial port in the form /dev/xxx")
	flags.Int("baud", 115200, "Specifies the baud rate of the serial port")
	flags.Bool("reconnect", true, "Reopen the serial port when the device goes away")
	flags.String("addr", ":3000", "Address the HTTP server listens on")
	flags.String("store", "ir_codes.json", "Path of the remote store")
	flags.String("store-driver", "json", "Remote store format: json or bolt")
	flags.String("static", "public", "Directory served as the web client")
	flags.Duration("capture-timeout", 30*time.Second, "How long a capture waits for a button press")
	flags.Bool("debug", false, "Log every message exchanged with clients and the device")

	for key, name := range map[string]string{
		"serial.port":      "serial",
		"serial.baud":      "baud",
		"serial.reconnect": "reconnect",
		"http.addr":        "addr",
		"store.path":       "store",
		"store.driver":     "store-driver",
		"static.dir":       "static",
		"capture.timeout":  "capture-timeout",
		"debug":            "debug",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	return cmd
}
