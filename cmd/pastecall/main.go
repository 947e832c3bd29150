// Pastecall — CLI entry point.
//
// This tool starts a direct peer-to-peer audio/video session without a
// signaling server. The offer and answer travel by copy/paste, an offer link,
// or a QR image; media is then negotiated over the resulting control channel.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (--role, --offer, --qr-in, --qr-out, ...).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	flag "github.com/spf13/pflag"

	"github.com/1ureka/pastecall/internal/bridge"
	"github.com/1ureka/pastecall/internal/config"
	"github.com/1ureka/pastecall/internal/media"
	"github.com/1ureka/pastecall/internal/qr"
	"github.com/1ureka/pastecall/internal/session"
	"github.com/1ureka/pastecall/internal/signaling"
	"github.com/1ureka/pastecall/internal/util"
)

var version = "dev"

type options struct {
	role       string
	configPath string
	offer      string
	qrIn       string
	qrOut      string
	bridge     string
	video      string
	audio      string
	recvOnly   bool
	compact    bool
	debug      bool
}

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var opts options
	fs := flag.NewFlagSet("pastecall", flag.ExitOnError)
	fs.StringVarP(&opts.role, "role", "r", "", "Role: initiator or responder")
	fs.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVar(&opts.offer, "offer", "", "Offer link or envelope (responder only)")
	fs.StringVar(&opts.qrIn, "qr-in", "", "QR image holding the peer's offer or answer")
	fs.StringVar(&opts.qrOut, "qr-out", "", "Write our offer or answer as a QR PNG to this path")
	fs.StringVar(&opts.bridge, "bridge", "", "Serve session events over websocket on this address, e.g. 127.0.0.1:7001")
	fs.StringVar(&opts.video, "video", "", "IVF video file to send")
	fs.StringVar(&opts.audio, "audio", "", "Ogg/Opus audio file to send")
	fs.BoolVar(&opts.recvOnly, "recv-only", false, "Send no local media")
	fs.BoolVar(&opts.compact, "compact", false, "Use compressed envelopes")
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	fs.Parse(os.Args[1:])

	cfg, err := loadConfig(fs, opts)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Pastecall — v%s", version))
	pterm.Println()

	role := config.RoleNone
	if opts.role != "" {
		if role, err = config.ParseRole(opts.role); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	}
	if role == config.RoleNone && opts.offer != "" {
		role = config.RoleResponder
	}
	if role == config.RoleNone {
		role = askRole()
	}

	if err := run(ctx, cfg, role, opts); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("session closed")
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(fs *flag.FlagSet, opts options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}

	if fs.Changed("bridge") {
		cfg.Bridge.Listen = opts.bridge
	}
	if fs.Changed("video") {
		cfg.Media.VideoFile = opts.video
	}
	if fs.Changed("audio") {
		cfg.Media.AudioFile = opts.audio
	}
	if fs.Changed("recv-only") {
		cfg.Media.ReceiveOnly = opts.recvOnly
	}
	if fs.Changed("compact") {
		cfg.Compact = opts.compact
	}
	if fs.Changed("debug") {
		cfg.Debug = opts.debug
	}
	return cfg, nil
}

func mediaSource(cfg config.Config) media.Source {
	switch {
	case cfg.Media.ReceiveOnly:
		return nil
	case cfg.Media.VideoFile != "" || cfg.Media.AudioFile != "":
		return media.FileSource{VideoPath: cfg.Media.VideoFile, AudioPath: cfg.Media.AudioFile}
	}
	return media.Synthetic{}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg config.Config, role config.Role, opts options) error {
	o, err := session.New(session.Options{Config: cfg, Media: mediaSource(cfg)})
	if err != nil {
		return err
	}
	defer o.Close()

	ended := make(chan error, 1)
	o.Subscribe(func(e session.Event) { reportEvent(ctx, e, ended) })

	if cfg.Bridge.Listen != "" {
		b := bridge.NewServer(cfg.Bridge.Listen)
		addr, err := b.Start()
		if err != nil {
			return err
		}
		defer b.Close()
		b.Attach(o)
		util.LogInfo("event bridge listening on ws://%s/events", addr)
	}

	scanner := qr.NewScanner(cfg.QR.Scales)

	switch role {
	case config.RoleInitiator:
		err = runInitiator(ctx, o, cfg, scanner, opts)
	case config.RoleResponder:
		err = runResponder(ctx, o, cfg, scanner, opts)
	default:
		err = fmt.Errorf("invalid role %q", role)
	}
	if err != nil {
		return err
	}

	select {
	case err := <-ended:
		return err
	case <-ctx.Done():
		return nil
	}
}

// runInitiator prints the offer and applies the answer the user supplies.
func runInitiator(ctx context.Context, o *session.Orchestrator, cfg config.Config, scanner *qr.Scanner, opts options) error {
	spinner, _ := pterm.DefaultSpinner.Start("Gathering connection candidates...")
	offer, err := o.BecomeInitiator(ctx)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	spinner.Success("Offer ready")

	link, err := signaling.ToShareableLocator(cfg.LocatorBase, offer)
	if err != nil {
		return err
	}
	pterm.DefaultSection.Println("Send this to your peer")
	pterm.Println(link)
	pterm.Println()
	pterm.Println(pterm.Gray("Envelope: " + string(offer)))
	showQR(offer, signaling.KindOffer, cfg, opts.qrOut)

	first := opts.qrIn
	for {
		env, err := readArtifact(first, signaling.KindAnswer, scanner, "Paste the answer (or a QR image path)")
		first = ""
		if err == nil {
			err = o.ApplyAnswer(ctx, env)
		}
		if err == nil {
			return nil
		}
		if !recoverable(err) || ctx.Err() != nil {
			return err
		}
		util.LogWarning("%v, try again", err)
	}
}

// runResponder consumes the offer and prints the answer.
func runResponder(ctx context.Context, o *session.Orchestrator, cfg config.Config, scanner *qr.Scanner, opts options) error {
	first := opts.offer
	if first == "" {
		first = opts.qrIn
	}

	for {
		env, err := readArtifact(first, signaling.KindOffer, scanner, "Paste the offer link (or a QR image path)")
		first = ""

		var answer signaling.Envelope
		if err == nil {
			spinner, _ := pterm.DefaultSpinner.Start("Preparing answer...")
			answer, err = o.BecomeResponder(ctx, env)
			if err != nil {
				spinner.Fail(err.Error())
			} else {
				spinner.Success("Answer ready")
			}
		}
		if err == nil {
			pterm.DefaultSection.Println("Send this answer back to your peer")
			pterm.Println(string(answer))
			showQR(answer, signaling.KindAnswer, cfg, opts.qrOut)
			return nil
		}
		if !recoverable(err) || ctx.Err() != nil {
			return err
		}
		util.LogWarning("%v, try again", err)
	}
}

// reportEvent logs session events and reports the end of the session.
func reportEvent(ctx context.Context, e session.Event, ended chan<- error) {
	switch e.Kind {
	case session.EventStateChanged:
		util.LogDebugFields("session",
			"state", e.Session.State,
			"control", e.Session.Control,
			"media", e.Session.Media)
	case session.EventRemoteTrack:
		if e.Track != nil {
			util.LogFields("remote track", "kind", e.Track.Kind().String(), "codec", e.Track.Codec().MimeType)
		}
	case session.EventMediaConnected:
		util.StartStatsReporter(ctx)
	case session.EventMediaOfferReceived:
		util.LogInfo("peer is offering media")
	case session.EventFailed:
		select {
		case ended <- e.Err:
		default:
		}
	case session.EventHungUp:
		util.LogInfo("peer hung up")
		select {
		case ended <- nil:
		default:
		}
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// recoverable reports whether err means "wrong input, ask again".
func recoverable(err error) bool {
	return errors.Is(err, signaling.ErrPayloadTypeMismatch) ||
		errors.Is(err, signaling.ErrInvalidEnvelope) ||
		errors.Is(err, qr.ErrNoCodeFound) ||
		errors.Is(err, os.ErrNotExist)
}

func showQR(env signaling.Envelope, kind signaling.Kind, cfg config.Config, out string) {
	util.LogInfo("%s fingerprint: %s", kind, fingerprint(env, kind))

	if text, err := qr.ToTerminal(env); err == nil {
		pterm.Println(text)
	} else {
		util.LogWarning("no terminal QR: %v", err)
	}

	if out == "" {
		return
	}
	data, err := qr.ToPNG(env, cfg.QR.Size)
	if err != nil {
		util.LogWarning("no QR image: %v", err)
		return
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		util.LogWarning("writing QR image: %v", err)
		return
	}
	util.LogInfo("QR image written to %s", out)
}

// askRole prompts for the role.
func askRole() config.Role {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Initiator — Start a call", "Responder — Answer a call"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(choice, "Initiator") {
		return config.RoleInitiator
	}
	return config.RoleResponder
}

// readArtifact resolves raw, or a prompted line when raw is empty, into an
// envelope of the expected kind.
func readArtifact(raw string, expected signaling.Kind, scanner *qr.Scanner, prompt string) (signaling.Envelope, error) {
	if raw == "" {
		raw, _ = pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()
		pterm.Println()
	}
	env, err := resolveArtifact(raw, expected, scanner)
	if err == nil {
		util.LogInfo("received %s fingerprint: %s", expected, fingerprint(env, expected))
	}
	return env, err
}
