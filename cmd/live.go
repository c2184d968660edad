package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"PresentCoach/internal/archive"
	"PresentCoach/internal/feedback"
	"PresentCoach/internal/media"
	"PresentCoach/internal/session"
)

type liveOptions struct {
	server   string
	duration time.Duration
	width    int
	height   int
	save     bool
	asJSON   bool
}

// liveReport --json 输出
type liveReport struct {
	SessionID string            `json:"session_id"`
	Status    session.Status    `json:"status"`
	Updates   int               `json:"updates"`
	Summary   feedback.Summary  `json:"summary"`
	Stats     session.LiveStats `json:"stats"`
	Saved     bool              `json:"saved"`
}

func newLiveCmd(a *app) *cobra.Command {
	opts := &liveOptions{}

	cmd := &cobra.Command{
		Use:   "live",
		Short: "Run a live coaching session with a synthetic camera and microphone",
		Long:  "live starts a session against the analysis server, streams synthetic frames and audio until the duration elapses or the process is interrupted, then prints the session summary. When the server is unreachable and simulation is enabled, synthetic feedback is used instead.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLive(cmd, a, opts)
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "", "analysis server base URL (overrides server.base_url)")
	cmd.Flags().DurationVar(&opts.duration, "duration", 30*time.Second, "how long to record before stopping")
	cmd.Flags().IntVar(&opts.width, "width", 640, "synthetic camera width, 0 for unknown")
	cmd.Flags().IntVar(&opts.height, "height", 480, "synthetic camera height, 0 for unknown")
	cmd.Flags().BoolVar(&opts.save, "save", false, "save the session to the server after stopping")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the report as JSON")

	return cmd
}

func runLive(cmd *cobra.Command, a *app, opts *liveOptions) error {
	cfg := a.cfg
	if opts.server != "" {
		cfg.Server.BaseURL = opts.server
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	var archiver session.Archiver
	if opts.save {
		archiver = archive.New(cfg.Server.BaseURL, archive.StaticCredentials(cfg.Server.AuthToken))
	}

	live := session.NewLive(session.LiveConfig{
		Device:    media.NewSyntheticDevice(opts.width, opts.height),
		Media:     cfg.CaptureConfig(),
		Transport: cfg.TransportConfig(),
		Archiver:  archiver,
	})

	unsubscribe := live.Store().Subscribe(stateReporter(cmd.ErrOrStderr()))
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, cfg.Live.ConnectTimeout+5*time.Second)
	err := live.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("start live session: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(opts.duration):
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := live.Stop(stopCtx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "stop: %v\n", err)
	}

	snap := live.Store().Snapshot()
	report := liveReport{
		SessionID: snap.SessionID,
		Status:    snap.Status,
		Summary:   live.Summary(),
		Stats:     live.Stats(),
	}
	if snap.Feedback != nil {
		report.Updates = snap.Feedback.Updates
	}

	if opts.save {
		if err := live.Save(stopCtx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "save: %v\n", err)
		} else {
			report.Saved = true
		}
	}

	if opts.asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return writeReport(cmd.OutOrStdout(), report)
}

// stateReporter 状态变化时打印状态、连接和提示
func stateReporter(w io.Writer) func(session.State) {
	var (
		last        session.State
		initialized bool
	)
	return func(s session.State) {
		if initialized && s.Status == last.Status && s.IsConnected == last.IsConnected &&
			s.Notice == last.Notice && s.Error == last.Error {
			last = s
			return
		}
		initialized = true
		last = s

		line := fmt.Sprintf("status=%s connected=%t", s.Status, s.IsConnected)
		if s.SessionID != "" {
			line += " session=" + s.SessionID
		}
		if s.Notice != "" {
			line += fmt.Sprintf(" notice=%q", s.Notice)
		}
		if s.Error != "" {
			line += fmt.Sprintf(" error=%q", s.Error)
		}
		fmt.Fprintln(w, line)
	}
}

func writeReport(w io.Writer, r liveReport) error {
	if _, err := fmt.Fprintf(w, "Session %s: %s, %d feedback updates, %d frames sent\n",
		r.SessionID, r.Status, r.Updates, r.Stats.Capture.FramesCaptured); err != nil {
		return err
	}
	for _, c := range r.Summary.Categories {
		if _, err := fmt.Fprintf(w, "  %-12s %-8s %d/%d  %s\n",
			c.Category, c.Rating, c.Good, c.Observations, c.Message); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "Overall: %s (%.0f%%) %s\n", r.Summary.Overall, r.Summary.Ratio*100, r.Summary.Message)
	return err
}
