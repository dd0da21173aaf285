// Package main provides the cortexvrm command line: a headless avatar
// client plus clip and audio tools.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/normanking/cortexvrm/internal/audio"
	"github.com/normanking/cortexvrm/internal/bus"
	"github.com/normanking/cortexvrm/internal/client"
	"github.com/normanking/cortexvrm/internal/config"
	"github.com/normanking/cortexvrm/internal/logging"
	"github.com/normanking/cortexvrm/internal/motion"
	"github.com/normanking/cortexvrm/internal/session"
)

var (
	version = "dev"

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED"))

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3B82F6"))

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "cortexvrm",
		Short: "Realtime voice conversation client for VRM avatars",
		Long: titleStyle.Render("cortexvrm") + `

Connects to a conversation server, plays synthesized speech with lip sync
and retargets generated motion onto a VRM skeleton.

` + dimStyle.Render("Use 'cortexvrm [command] --help' for more information."),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.cortexvrm/config.yaml)")

	loadConfig := func() (*config.Config, error) {
		if configPath != "" {
			return config.LoadFile(configPath)
		}
		return config.Load()
	}

	rootCmd.AddCommand(connectCmd(loadConfig), retargetCmd(), wrapPCMCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func connectCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var (
		endpoint, sessionID, character string
		utterance, model, idle         string
		metricsAddr, speechDir         string
		duration                       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Join a conversation session and run the avatar headless",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			override(&cfg.Session.Endpoint, endpoint)
			override(&cfg.Session.SessionID, sessionID)
			override(&cfg.Session.CharacterID, character)
			override(&cfg.Mic.File, utterance)
			override(&cfg.Motion.Model, model)
			override(&cfg.Motion.IdleClip, idle)
			override(&cfg.Metrics.Addr, metricsAddr)
			override(&cfg.Audio.OutputDir, speechDir)

			cfg.Logging.Console = false
			logger, err := logging.New(&cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Close()
			logger.SetOnLog(printLog)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			return runSession(ctx, cfg, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&endpoint, "endpoint", "", "session websocket base URL")
	f.StringVar(&sessionID, "session", "", "session id")
	f.StringVar(&character, "character", "", "character id")
	f.StringVar(&utterance, "utterance", "", "16-bit PCM file sent as one recorded utterance")
	f.StringVar(&model, "model", "", "VRM model providing the skeleton")
	f.StringVar(&idle, "idle", "", "idle clip looped between motions")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&speechDir, "speech-dir", "", "write played speech as WAV files here")
	f.DurationVar(&duration, "duration", 0, "disconnect after this long (0 runs until interrupted)")
	return cmd
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func runSession(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	zl := logger.Zerolog()

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics", "metrics server stopped", err, nil)
			}
		}()
		defer srv.Close()
	}

	engine, watcher, err := buildEngine(cfg, zl)
	if err != nil {
		return err
	}
	if watcher != nil {
		defer watcher.Close()
	}

	var out audio.Output = audio.NullOutput{}
	if cfg.Audio.OutputDir != "" {
		out = &audio.FileOutput{Dir: cfg.Audio.OutputDir}
	}

	eventBus := bus.NewEventBus()
	defer eventBus.Close()
	eventBus.Subscribe(bus.EventTypeTurnUpdated, printTurn)
	eventBus.SubscribeMultiple([]bus.EventType{
		bus.EventTypeMotionPlayed,
		bus.EventTypeMotionRejected,
		bus.EventTypeDecodeFailed,
	}, printNotice)

	c := client.New(cfg, client.Deps{Output: out, Engine: engine, EventBus: eventBus}, zl)
	go c.Run(ctx)

	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Disconnect()

	if cfg.Mic.File != "" {
		go sendUtterance(ctx, c, cfg, logger)
	}

	// Headless render loop: advance the mixer at display rate.
	const frame = time.Second / 60
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			c.Tick(now.Sub(last))
			last = now
			if c.State() == session.StateDisconnected {
				return nil
			}
		}
	}
}

func buildEngine(cfg *config.Config, logger zerolog.Logger) (*motion.Engine, *motion.ClipWatcher, error) {
	aliases := motion.DefaultAliases()
	if cfg.Motion.AliasFile != "" {
		ext, err := motion.LoadAliasFile(aliases, cfg.Motion.AliasFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load aliases: %w", err)
		}
		aliases = ext
	}
	engine := motion.NewEngine(cfg.Motion.Engine, aliases, logger)

	if cfg.Motion.Model == "" {
		return engine, nil, nil
	}
	rig, err := motion.LoadRig(cfg.Motion.Model, aliases)
	if err != nil {
		return nil, nil, fmt.Errorf("load model: %w", err)
	}
	engine.BindSkeleton(rig)

	if cfg.Motion.IdleClip == "" {
		return engine, nil, nil
	}
	clip, err := motion.LoadClip(context.Background(), cfg.Motion.IdleClip, cfg.Motion.Engine.Amplify)
	if err != nil {
		return nil, nil, fmt.Errorf("load idle clip: %w", err)
	}
	return engine, watchIdle(engine, clip, cfg.Motion.IdleClip, cfg.Motion.Engine.Amplify, logger), nil
}

// watchIdle applies the idle clip and reapplies it whenever the file is
// saved. A nil watcher means reloads are off.
func watchIdle(engine *motion.Engine, clip *motion.Clip, path string, amp motion.AmplifyConfig, logger zerolog.Logger) *motion.ClipWatcher {
	log := logger.With().Str("component", "motion").Str("path", path).Logger()
	if err := engine.SetIdle(clip); err != nil {
		log.Warn().Err(err).Msg("idle clip not applied")
	}

	watcher, err := motion.NewClipWatcher(amp, logger)
	if err != nil {
		log.Warn().Err(err).Msg("idle clip reload disabled")
		return nil
	}
	err = watcher.Watch(path, func(c *motion.Clip) {
		if err := engine.SetIdle(c); err != nil {
			log.Warn().Err(err).Msg("reloaded idle clip not applied")
		}
	})
	if err != nil {
		watcher.Close()
		log.Warn().Err(err).Msg("idle clip reload disabled")
		return nil
	}
	return watcher
}

// sendUtterance records the utterance file through the mic path and
// flushes it once the file has been replayed.
func sendUtterance(ctx context.Context, c *client.Client, cfg *config.Config, logger *logging.Logger) {
	info, err := os.Stat(cfg.Mic.File)
	if err != nil {
		logger.Error("mic", "utterance unavailable", err, nil)
		return
	}
	if err := c.StartMic(ctx); err != nil {
		logger.Error("mic", "mic start failed", err, nil)
		return
	}
	chunks := (info.Size() + 3199) / 3200
	wait := time.Duration(chunks+1) * cfg.Mic.ChunkInterval

	select {
	case <-ctx.Done():
	case <-time.After(wait):
		c.StopMic(true)
	}
}

func printLog(e logging.LogEntry) {
	line := e.String()
	switch e.Level {
	case "error", "fatal", "panic":
		fmt.Println(errorStyle.Render(line))
	case "warn":
		fmt.Println(errorStyle.Faint(true).Render(line))
	default:
		fmt.Println(dimStyle.Render(line))
	}
}

func printTurn(ev bus.Event) {
	status, _ := ev.Data["status"].(string)
	if status != "done" {
		return
	}
	user, _ := ev.Data["userText"].(string)
	assistant, _ := ev.Data["assistantText"].(string)
	fmt.Println(userStyle.Render("you: ") + user)
	fmt.Println(assistantStyle.Render("avatar: ") + assistant)
}

func printNotice(ev bus.Event) {
	switch ev.Type {
	case bus.EventTypeMotionPlayed:
		fmt.Println(dimStyle.Render(fmt.Sprintf("motion %v: %v bound, missing %v", ev.Data["clip"], ev.Data["bound"], ev.Data["missing"])))
	case bus.EventTypeMotionRejected:
		fmt.Println(errorStyle.Render(fmt.Sprintf("motion %v rejected: %v", ev.Data["job_id"], ev.Data["error"])))
	case bus.EventTypeDecodeFailed:
		fmt.Println(errorStyle.Render(fmt.Sprintf("speech for turn %v skipped (%v): %v", ev.Data["turn_id"], ev.Data["format"], ev.Data["error"])))
	}
}

func retargetCmd() *cobra.Command {
	var model, aliasFile string

	cmd := &cobra.Command{
		Use:   "retarget <clip>",
		Short: "Bind a clip file or motion JSON to a model's skeleton",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			aliases := motion.DefaultAliases()
			if aliasFile != "" {
				ext, err := motion.LoadAliasFile(aliases, aliasFile)
				if err != nil {
					return err
				}
				aliases = ext
			}

			rig, err := motion.LoadRig(model, aliases)
			if err != nil {
				return fmt.Errorf("load model: %w", err)
			}
			clip, err := motion.LoadClip(cmd.Context(), args[0], motion.DefaultAmplifyConfig())
			if err != nil {
				return fmt.Errorf("load clip: %w", err)
			}

			bound, err := motion.Retarget(clip, rig, aliases)
			fmt.Println(titleStyle.Render(clip.Name()) + dimStyle.Render(fmt.Sprintf("  %.2fs", clip.Duration())))
			if bound != nil {
				for _, b := range bound.Bindings {
					fmt.Printf("  %s %-16s %s\n", assistantStyle.Render("✓"), b.Bone, dimStyle.Render(string(b.Track.Property)))
				}
				for _, name := range bound.Missing {
					fmt.Printf("  %s %s\n", errorStyle.Render("✗"), name)
				}
				fmt.Printf("\n%d bound, %d missing\n", len(bound.Bindings), len(bound.Missing))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "VRM or glTF model")
	cmd.Flags().StringVar(&aliasFile, "aliases", "", "YAML file extending the bone alias table")
	cmd.MarkFlagRequired("model")
	return cmd
}

func wrapPCMCmd() *cobra.Command {
	var rate, channels int

	cmd := &cobra.Command{
		Use:   "wrap-pcm <in> <out>",
		Short: "Wrap raw 16-bit PCM in a WAV header",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pcm, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if f := audio.Sniff(pcm); f != audio.FormatPCM {
				return fmt.Errorf("%s is already %s", args[0], strings.ToUpper(string(f)))
			}
			wav := audio.WrapPCM(pcm, rate, channels)
			if err := os.WriteFile(args[1], wav, 0644); err != nil {
				return err
			}
			hdr, _ := audio.ParseWAVHeader(wav)
			fmt.Println(assistantStyle.Render("✓ wrote " + args[1]))
			fmt.Println(dimStyle.Render(fmt.Sprintf("  %d Hz, %d ch, %d bytes", hdr.SampleRate, hdr.Channels, hdr.DataLength)))
			return nil
		},
	}
	cmd.Flags().IntVar(&rate, "rate", 16000, "sample rate")
	cmd.Flags().IntVar(&channels, "channels", 1, "channel count")
	return cmd
}
