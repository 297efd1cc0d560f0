package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/stellarlinkco/salud/internal/config"
	"github.com/stellarlinkco/salud/internal/fatigue"
	"github.com/stellarlinkco/salud/internal/pipeline"
	"github.com/stellarlinkco/salud/internal/sensor"
	"github.com/stellarlinkco/salud/internal/store"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#C89A3A"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#8C8C8C"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F0F0F0")).Bold(true)
	highStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4D4F"))
	cardStyle  = lipgloss.NewStyle().
			Padding(0, 1).
			Border(lipgloss.RoundedBorder(), true).
			BorderForeground(lipgloss.Color("#4A4A4A"))
)

var rootCmd = &cobra.Command{
	Use:   "salud",
	Short: "salud - occupational fatigue monitor with guided breaks",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start monitoring (vision + CO2) and voice guidance",
	RunE:  runMonitor,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and the latest session",
	RunE:  runStatus,
}

var scriptsCmd = &cobra.Command{
	Use:   "scripts",
	Short: "List the guidance scripts",
	RunE:  runScripts,
}

var co2Cmd = &cobra.Command{
	Use:   "co2",
	Short: "Query the sensor gateway for the latest CO2 reading",
	RunE:  runCO2,
}

var (
	framesFlag string
	yamlFlag   bool
	limitFlag  int
)

func init() {
	runCmd.Flags().StringVar(&framesFlag, "frames", "", "Read vision frames from a JSON-lines file ('-' for stdin)")
	scriptsCmd.Flags().BoolVar(&yamlFlag, "yaml", false, "Print the catalogue as YAML")
	statusCmd.Flags().IntVarP(&limitFlag, "limit", "n", 8, "Number of recent detections to show")
	rootCmd.AddCommand(runCmd, onboardCmd, statusCmd, scriptsCmd, co2Cmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if framesFlag != "" {
		cfg.Vision.Source = config.SourceFrames
		cfg.Vision.FramesPath = framesFlag
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	return p.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	st.Close()
	fmt.Printf("Database ready: %s\n", cfg.Store.DBPath)

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to point gateway.baseUrl at your sensor gateway\n", cfgPath)
	fmt.Println("  2. Or set SALUD_GATEWAY_URL environment variable")
	fmt.Println("  3. Run 'salud run' to start a session")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}
	return printStatus(cmd.Context(), os.Stdout, cfg, limitFlag)
}

func printStatus(ctx context.Context, w io.Writer, cfg *config.Config, limit int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	fmt.Fprintf(w, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(w, "Gateway: %s (device %s)\n", cfg.Gateway.BaseURL, cfg.Gateway.DeviceID)
	fmt.Fprintf(w, "Vision: %s, window %s\n", cfg.Vision.Source, cfg.Window())
	fmt.Fprintf(w, "CO2: threshold %.0f ppm, poll %s\n", cfg.Environment.CO2ThresholdPPM, cfg.PollInterval())
	fmt.Fprintf(w, "Cooldown: %s\n", cfg.MinInterval())
	if cfg.Rules.Plugin != "" {
		fmt.Fprintf(w, "Rules: plugin %s\n", cfg.Rules.Plugin)
	} else {
		fmt.Fprintf(w, "Rules: %d local\n", max(len(cfg.Rules.Definitions), 1))
	}
	if cfg.Voice.Command != "" {
		fmt.Fprintf(w, "Voice: %s\n", cfg.Voice.Command)
	} else {
		fmt.Fprintln(w, "Voice: log only")
	}
	fmt.Fprintf(w, "Telegram: enabled=%v token=%s\n", cfg.Voice.Telegram.Enabled, maskToken(cfg.Voice.Telegram.Token))
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Validation: %v\n", err)
	}

	if _, err := os.Stat(cfg.Store.DBPath); err != nil {
		fmt.Fprintln(w, "Database: not found (run 'salud onboard')")
		return nil
	}
	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		fmt.Fprintf(w, "Database: error (%v)\n", err)
		return nil
	}
	defer st.Close()

	sess, ok, err := st.LatestSession(ctx)
	if err != nil {
		return fmt.Errorf("latest session: %w", err)
	}
	if !ok {
		fmt.Fprintln(w, "Session: none yet")
		return nil
	}
	dets, err := st.RecentDetections(ctx, sess.ID, limit)
	if err != nil {
		return fmt.Errorf("recent detections: %w", err)
	}
	alerts, err := st.Alerts(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("alerts: %w", err)
	}
	fmt.Fprintln(w, renderSession(sess, dets, alerts))
	return nil
}

func renderSession(sess store.Session, dets []store.Detection, alerts []store.AlertRecord) string {
	delivered := 0
	for _, a := range alerts {
		if !a.DeliveredAt.IsZero() {
			delivered++
		}
	}
	cards := lipgloss.JoinHorizontal(lipgloss.Top,
		card("Session", fmt.Sprintf("#%d %s", sess.ID, sess.Status)),
		card("Minutes", fmt.Sprintf("%d", sess.Minutes)),
		card("Alerts", fmt.Sprintf("%d (%d delivered)", len(alerts), delivered)),
	)

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Latest session"))
	sb.WriteString("\n")
	sb.WriteString(cards)
	if len(dets) > 0 {
		sb.WriteString("\n")
		sb.WriteString(titleStyle.Render("Recent detections"))
		for _, d := range dets {
			level := string(d.Level)
			if d.Level == fatigue.LevelHigh {
				level = highStyle.Render(level)
			}
			fmt.Fprintf(&sb, "\n  %s  %-13s %-8s %s",
				labelStyle.Render(d.CreatedAt.Local().Format(time.TimeOnly)), d.Category, level, d.Indicator)
		}
	}
	return sb.String()
}

func card(label, value string) string {
	return cardStyle.Render(fmt.Sprintf("%s\n%s", labelStyle.Render(label), valueStyle.Render(value)))
}

func runScripts(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cat, err := pipeline.NewCatalogue(cfg)
	if err != nil {
		return err
	}
	if yamlFlag {
		data, err := cat.YAML()
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil
	}
	for _, name := range cat.Names() {
		s, _ := cat.Lookup(name)
		fmt.Printf("%-22s %2d steps  %s\n", name, len(s.Steps), s.Duration())
	}
	return nil
}

func runCO2(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.GatewayTimeout())
	defer cancel()

	client := sensor.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.DeviceID, cfg.GatewayTimeout())
	ppm, ok, err := client.LatestCO2(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("CO2: no reading yet")
		return nil
	}
	state := "ok"
	if ppm > cfg.Environment.CO2ThresholdPPM {
		state = "above threshold"
	}
	fmt.Printf("CO2: %.0f ppm (%s)\n", ppm, state)
	return nil
}

func maskToken(token string) string {
	switch {
	case token == "":
		return "not set"
	case len(token) > 8:
		return token[:4] + "..." + token[len(token)-4:]
	default:
		return "set"
	}
}
