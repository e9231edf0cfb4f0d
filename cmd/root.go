package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/emufetch/emufetch/internal/config"
	"github.com/emufetch/emufetch/internal/download"
	"github.com/emufetch/emufetch/utils"
)

var (
	backendName string
	profile     string
	outputDir   string
	filename    string
	connections int
	noMirror    bool
	overwrite   bool
	aria2Binary string
	userAgent   string
	headers     []string
	configPath  string
	debug       bool
)

var EmufetchVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "emufetch [url]",
	Short:   "Emufetch downloads emulator builds, firmware, and keys",
	Version: EmufetchVersion,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		utils.InitLogger(debug)
		cmd.SilenceUsage = true

		cfg, err := config.Load(configPath)
		if err != nil {
			utils.PrintWarning("Settings file unreadable, using defaults")
		}
		applyFlagOverrides(cmd, &cfg)

		opts := cfg.Options()
		if outputDir != "" {
			opts.SaveDir = outputDir
		}
		opts.Filename = filename
		opts.Overwrite = overwrite
		if cmd.Flags().Changed("connections") {
			opts.Split = connections
			opts.MaxConnPerServer = connections
		}
		if userAgent != "" {
			opts.UserAgent = userAgent
		}
		if len(headers) > 0 {
			opts.Headers = parseHeaderArgs(headers)
		}

		manager := download.NewRouter(cfg.ParseBackend(), cfg.RouterConfig())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := manager.Start(ctx); err != nil {
			utils.PrintError("No download backend available")
			return err
		}
		defer manager.Stop(context.Background())

		rendered := false
		result, err := manager.DownloadAndWait(ctx, args[0], opts, func(p download.Progress) {
			if rendered {
				utils.ClearLines(1)
			}
			fmt.Println(utils.RenderProgressLine(
				p.Filename, p.Percentage, p.DownloadedString(), p.TotalString(), p.SpeedString(), p.EtaString()))
			rendered = true
		})
		if err != nil {
			utils.PrintError("Download failed: " + err.Error())
			return err
		}
		utils.PrintSuccess(fmt.Sprintf("Saved %s (%s)", result.Path, download.FormatBytes(result.Size)))
		return nil
	},
}

// applyFlagOverrides layers explicit flags over the settings file.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("backend") {
		cfg.Backend = backendName
	}
	if cmd.Flags().Changed("profile") {
		cfg.Profile = profile
	}
	if noMirror {
		cfg.Mirror.Enabled = false
	}
	if aria2Binary != "" {
		cfg.Aria2.Binary = aria2Binary
	}
	if debug {
		cfg.Debug = true
	}
}

func parseHeaderArgs(args []string) map[string]string {
	parsed := make(map[string]string)
	for _, h := range args {
		if key, value, found := strings.Cut(h, ":"); found {
			parsed[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return parsed
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&backendName, "backend", "b", "auto", "Download backend: aria2, rust, or auto")
	rootCmd.Flags().StringVar(&profile, "profile", "default", "Options preset: default, high-speed, cdn-friendly")
	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "", "Directory to save into")
	rootCmd.Flags().StringVarP(&filename, "filename", "f", "", "Destination filename (inferred if not provided)")
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 4, "Number of connections per download")
	rootCmd.Flags().BoolVar(&noMirror, "no-mirror", false, "Disable the GitHub mirror rewrite")
	rootCmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite an existing destination file")
	rootCmd.Flags().StringVar(&aria2Binary, "aria2-binary", "", "Path to aria2c (probed on PATH if empty)")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", "", "User agent")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Bearer x'); can be specified multiple times")
	rootCmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "Settings file path")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
