// Command rfbview is a headless remote framebuffer viewer: it connects to a
// VNC server, mirrors the remote screen into a local framebuffer, and can
// record the session to an MJPEG video or dump the final frame as a PNG.
package main

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigangryrobot/rfbview"
	"github.com/bigangryrobot/rfbview/logger"
)

var (
	host        string
	port        int
	password    string
	exclusive   bool
	interval    time.Duration
	idleTimeout time.Duration
	recordPath  string
	recordScale float64
	recordFPS   int32
	pngPath     string
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:   "rfbview",
	Short: "Connect to a VNC server and mirror its framebuffer",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&host, "host", "127.0.0.1", "server host")
	flags.IntVar(&port, "port", 5900, "server port")
	flags.StringVar(&password, "password", "", "server password (enables VNC authentication)")
	flags.BoolVar(&exclusive, "exclusive", false, "request an exclusive (non-shared) session")
	flags.DurationVar(&interval, "interval", 0, "minimum time between published frames (default 33ms)")
	flags.DurationVar(&idleTimeout, "idle-timeout", 0, "fail if the server sends nothing for this long (0 disables)")
	flags.StringVar(&recordPath, "record", "", "record the session to this MJPEG AVI file")
	flags.Float64Var(&recordScale, "record-scale", 1, "downscale factor for recorded frames, in (0,1]")
	flags.Int32Var(&recordFPS, "record-fps", 30, "nominal frame rate of the recorded video")
	flags.StringVar(&pngPath, "png", "", "write the last published frame to this PNG file on exit")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")
}

func run(cmd *cobra.Command, args []string) error {
	if debug {
		logger.SetLevel(logger.LevelDebug)
	}

	var recorder *rfbview.Recorder
	var onPublish func(*rfbview.Snapshot)
	if recordPath != "" {
		recorder = rfbview.NewRecorder(rfbview.RecorderConfig{
			Path:  recordPath,
			FPS:   recordFPS,
			Scale: recordScale,
		})
		defer func() {
			if err := recorder.Close(); err != nil {
				logger.Errorf("finalizing recording: %v", err)
			}
		}()
		onPublish = recorder.Publish
	}

	engine := rfbview.New(rfbview.Config{
		PublishInterval: interval,
		OnPublish:       onPublish,
	})
	conn := rfbview.NewConn(rfbview.ConnConfig{
		Addr:        fmt.Sprintf("%s:%d", host, port),
		Credential:  rfbview.Credential{Password: password},
		Exclusive:   exclusive,
		IdleTimeout: idleTimeout,
	}, engine)
	engine.SetSource(conn)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("interrupt received, shutting down")
		cancel()
	}()

	logger.Infof("connecting to %s:%d", host, port)
	if err := engine.Connect(ctx); err != nil {
		return err
	}
	defer engine.Close()

	w, h := engine.Dimensions()
	logger.Infof("remote framebuffer is %dx%d", w, h)

	for {
		select {
		case <-ctx.Done():
			return writeLastFrame(engine)
		case change := <-engine.States():
			switch change.State {
			case rfbview.StateError:
				logger.Errorf("session failed: %s", change.Message)
				if err := writeLastFrame(engine); err != nil {
					logger.Errorf("writing last frame: %v", err)
				}
				return fmt.Errorf("session failed: %s", change.Message)
			case rfbview.StateDisconnected:
				logger.Info("session closed")
				return writeLastFrame(engine)
			default:
				logger.Infof("session state: %s", change.State)
			}
		}
	}
}

// writeLastFrame dumps the most recent snapshot as a PNG when --png was
// given.
func writeLastFrame(engine *rfbview.Engine) error {
	if pngPath == "" {
		return nil
	}
	snap := engine.CurrentSnapshot()
	if snap == nil {
		logger.Warn("no frame was ever published, skipping PNG")
		return nil
	}
	f, err := os.Create(pngPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := png.Encode(f, snap.RGBA()); err != nil {
		return err
	}
	logger.Infof("wrote %s", pngPath)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
