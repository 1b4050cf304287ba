package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

// profile holds defaults so --endpoint need not be repeated.
type profile struct {
	Endpoint    string   `yaml:"endpoint"`
	Algorithms  []string `yaml:"algorithms"`
	PolicyClaim string   `yaml:"policyClaim"`
	TimeoutSec  int      `yaml:"timeoutSeconds"`
}

type cliConfig struct {
	CurrentProfile string             `yaml:"currentProfile"`
	Profiles       map[string]profile `yaml:"profiles"`
}

type globals struct {
	profile    string
	endpoint   string
	algorithms []string
	claim      string
	timeout    time.Duration
}

func main() {
	ui := newUI()
	g := &globals{
		endpoint: getenv("RAMCTL_ENDPOINT", ""),
		claim:    getenv("RAMCTL_POLICY_CLAIM", "ram"),
		profile:  getenv("RAMCTL_PROFILE", ""),
	}

	root := &cobra.Command{
		Use:   "ramctl",
		Short: "ramguard CLI",
		Long:  "ramctl inspects tokens, key sets, RAM policies and GraphQL field actions.",
	}
	root.SetHelpTemplate(helpTemplate(ui))
	root.SilenceUsage = true

	root.PersistentFlags().StringVar(&g.profile, "profile", g.profile, "Config profile")
	root.PersistentFlags().StringVar(&g.endpoint, "endpoint", g.endpoint, "OIDC issuer endpoint")
	root.PersistentFlags().StringSliceVar(&g.algorithms, "alg", nil, "Accepted signing algorithms (default RS256)")
	root.PersistentFlags().StringVar(&g.claim, "claim", g.claim, "Claim holding the RAM policy")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "Network timeout")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, _, _ := loadConfig()
		prof := cfg.Profiles[resolveProfileName(g.profile, cfg)]
		flags := cmd.Flags()
		if !flags.Changed("endpoint") && g.endpoint == "" {
			g.endpoint = prof.Endpoint
		}
		if !flags.Changed("alg") && len(prof.Algorithms) > 0 {
			g.algorithms = prof.Algorithms
		}
		if !flags.Changed("claim") && os.Getenv("RAMCTL_POLICY_CLAIM") == "" && prof.PolicyClaim != "" {
			g.claim = prof.PolicyClaim
		}
		if !flags.Changed("timeout") && prof.TimeoutSec > 0 {
			g.timeout = time.Duration(prof.TimeoutSec) * time.Second
		}
		return nil
	}

	root.AddCommand(
		initCmd(g, ui),
		decodeCmd(ui),
		verifyCmd(g, ui),
		jwksCmd(g, ui),
		checkCmd(g, ui),
		fieldsCmd(ui),
		actionsCmd(ui),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err.Error())
		os.Exit(1)
	}
}

func initCmd(g *globals, ui *ui) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Save the current flags as a profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(g.endpoint) == "" {
				return fmt.Errorf("--endpoint is required")
			}
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			name = resolveProfileName(name, cfg)
			cfg.Profiles[name] = profile{
				Endpoint:    g.endpoint,
				Algorithms:  g.algorithms,
				PolicyClaim: g.claim,
				TimeoutSec:  int(g.timeout / time.Second),
			}
			cfg.CurrentProfile = name
			if err := saveConfig(cfg, path); err != nil {
				return err
			}
			fmt.Printf("%s Profile %s saved to %s\n", ui.ok("[OK]"), ui.info(name), ui.dim(path))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Profile name (default: current or \"default\")")
	return cmd
}

func helpTemplate(ui *ui) string {
	title := ui.title("ramctl")
	return fmt.Sprintf(`%s - CLI for ramguard

Usage:
  {{.UseLine}}

Commands:
{{range .Commands}}{{if (or .IsAvailableCommand .IsAdditionalHelpTopicCommand)}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

Flags:
  {{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

Global Flags:
  {{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

Config:
  %s

Examples:
  ramctl init --endpoint https://id.example/realm
  ramctl verify eyJhbGciOi...
  ramctl check --action media.upload --action media.delete < token.txt
  ramctl fields --schema schema.graphql --query query.graphql

`, title, configPath())
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func configPath() string {
	if v := strings.TrimSpace(os.Getenv("RAMCTL_CONFIG_DIR")); v != "" {
		return filepath.Join(v, "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".ramctl", "config.yaml")
}

func loadConfig() (cliConfig, string, error) {
	path := configPath()
	var cfg cliConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cliConfig{Profiles: map[string]profile{}}, path, nil
		}
		return cfg, path, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, err
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]profile{}
	}
	return cfg, path, nil
}

func saveConfig(cfg cliConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func resolveProfileName(flag string, cfg cliConfig) string {
	if strings.TrimSpace(flag) != "" {
		return strings.TrimSpace(flag)
	}
	if cfg.CurrentProfile != "" {
		return cfg.CurrentProfile
	}
	return "default"
}
