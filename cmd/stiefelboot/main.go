//go:build linux

// Command stiefelboot runs one of the network boot coordination protocol's
// endpoints: the server that publishes a host's boot disk, the client that
// discovers and kexecs into it, the autokexec trigger service, or the
// one-shot host-OS setup helper.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cozystack/stiefelboot/internal/autokexec"
	"github.com/cozystack/stiefelboot/internal/cli"
	"github.com/cozystack/stiefelboot/internal/client"
	"github.com/cozystack/stiefelboot/internal/config"
	"github.com/cozystack/stiefelboot/internal/hostos"
	"github.com/cozystack/stiefelboot/internal/kexec"
	"github.com/cozystack/stiefelboot/internal/manifest"
	"github.com/cozystack/stiefelboot/internal/server"
)

//nolint:gochecknoglobals
var configPath string

func main() {
	root := &cobra.Command{
		Use:   "stiefelboot",
		Short: "network boot coordination protocol endpoints",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/stiefelsystem/config.yaml", "path to config file")
	root.PersistentFlags().BoolVar(&cli.YesFlag, "yes", false, "automatic yes to prompts")

	root.AddCommand(serverCmd())
	root.AddCommand(clientCmd())
	root.AddCommand(autokexecCmd())
	root.AddCommand(setupHostOSCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func rootContext() context.Context {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	_ = cancel
	return ctx
}

func loadConfig() config.Config {
	cfg, err := config.Load(configPath)
	cli.Must("load config from "+configPath, err)
	return cfg
}

func serverCmd() *cobra.Command {
	var device string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "serve this host's boot disk over the network",
		Run: func(_ *cobra.Command, _ []string) {
			cfg := loadConfig()
			key, err := cfg.LoadKey()
			cli.Must("load pre-shared key", err)

			if device != "" {
				cfg.ServerSetup.Device = device
			}

			manifest := buildManifest(cfg)

			var luks server.LuksOpener
			nbdDevice := cfg.ServerSetup.Device
			if cfg.ServerSetup.NeedLuks() {
				luks = server.OpenLuksDevice(cfg.ServerSetup.LuksDevice)
				nbdDevice = "/dev/mapper/" + server.LuksMappedName
			}

			srv := server.New(key, manifest, luks)

			ctx := rootContext()

			go func() {
				cli.Must("run announcer", srv.RunAnnouncer(ctx))
			}()

			nbdCmd, err := server.LaunchNBDExport(nbdDevice)
			cli.Must("launch nbd export", err)
			defer nbdCmd.Process.Kill() //nolint:errcheck

			addr := fmt.Sprintf(":%d", config.HTTPPort)
			log.Printf("server: listening on %s", addr)
			cli.Must("run http service", http.ListenAndServe(addr, srv.Handler())) //nolint:gosec
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "block device path to serve (overrides config)")
	return cmd
}

func clientCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "client",
		Short: "discover a stiefelsystem server and kexec into its boot image",
		Run: func(_ *cobra.Command, _ []string) {
			cfg := loadConfig()
			key, err := cfg.LoadKey()
			cli.Must("load pre-shared key", err)

			c := client.New(key)
			ctx := rootContext()

			log.Print("client: discovering stiefelsystem server")
			info, err := c.Discover(ctx)
			cli.Must("discover server", err)

			var luksPW string
			if info.NeedLuks {
				luksPW, err = c.CollectLuksPassphrase()
				cli.Must("collect luks passphrase", err)
			}

			members, err := c.RequestBoot(info, luksPW)
			cli.Must("request boot payload", err)

			cmdline, mods, err := client.MaterializeMembers(members)
			cli.Must("materialize boot archive members", err)

			tokens, err := client.ReadProcCmdline()
			cli.Must("read /proc/cmdline", err)
			extra, err := client.InnerCmdlineExtra(tokens)
			cli.Must("decode stiefel_innercmdline", err)
			if extra != "" {
				cmdline = cmdline + " " + extra
			}

			clientMAC, err := client.ClientMAC(info.Interface)
			cli.Must("read client MAC", err)

			log.Print("client: booting into received kernel")
			cli.Must("kexec", client.Boot(cmdline, mods, info, clientMAC))
		},
	}
}

func autokexecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "autokexec",
		Short: "watch for a trigger and kexec into the serving stiefelOS",
		Run: func(_ *cobra.Command, _ []string) {
			cfg := loadConfig()
			ctx := rootContext()

			fire := func() {
				assets, closeFn, err := autokexec.LoadAssets(cfg.ServerSetup)
				cli.Must("load autokexec assets", err)
				defer closeFn()

				log.Print("autokexec: triggered, loading kexec assets")
				cli.Must("kexec", kexec.Load(assets))
			}

			cli.Must("run autokexec", autokexec.Run(ctx, cfg, fire))
		},
	}
}

func setupHostOSCmd() *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "setup-host-os",
		Short: "install the platform configuration needed to boot over NBD",
		Run: func(_ *cobra.Command, _ []string) {
			cfg := loadConfig()
			if !cli.AskYesNo(fmt.Sprintf("install NBD boot configuration under %s", prefix), true) {
				log.Print("setup-host-os: aborted")
				return
			}
			cli.Must("setup host os", hostos.Setup(prefix, cfg.ServerSetup.Modules))
		},
	}
	cmd.Flags().StringVarP(&prefix, "prefix", "p", "/", "filesystem prefix to use for installing files")
	return cmd
}

func buildManifest(cfg config.Config) server.Manifest {
	kernel, initrd, err := manifest.Resolve(cfg.ServerSetup.KernelPath, cfg.ServerSetup.InitrdPath)
	cli.Must("resolve boot manifest", err)

	if cfg.ServerSetup.Device != "" {
		info, err := manifest.ValidateDevice(cfg.ServerSetup.Device)
		cli.Must("validate served device", err)
		log.Printf("server: serving %s (%d bytes, gpt=%v, esp=%v)", info.Path, info.SizeBytes, info.HasGPT, info.HasESPEntry)
	}

	return server.Manifest{
		Kernel:     kernel.Reader(),
		KernelSize: kernel.Size(),
		Initrd:     initrd.Reader(),
		InitrdSize: initrd.Size(),
		Cmdline:    cfg.ServerSetup.Cmdline,
		Modules:    cfg.ServerSetup.Modules,
		NeedLuks:   cfg.ServerSetup.NeedLuks(),
	}
}
