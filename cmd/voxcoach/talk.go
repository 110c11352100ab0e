package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/voxcoach/voxcoach/internal/audio/ffmpeg"
	"github.com/voxcoach/voxcoach/internal/batcher"
	"github.com/voxcoach/voxcoach/internal/capture"
	"github.com/voxcoach/voxcoach/internal/config"
	"github.com/voxcoach/voxcoach/internal/uploader"
	"github.com/voxcoach/voxcoach/internal/vad"
	"github.com/voxcoach/voxcoach/pkg/audio"
	"github.com/voxcoach/voxcoach/pkg/client"
	"github.com/voxcoach/voxcoach/pkg/coach"
)

func runTalk(cfg *config.Config, sessionKey string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := client.New(cfg.Chat.ServerURL)

	b := batcher.New(batcher.Config{
		Service:      api,
		Store:        api,
		Mode:         coach.Mode(cfg.Chat.Mode),
		SessionKey:   sessionKey,
		SaveDebounce: cfg.Chat.SaveDebounce,
		OnReply: func(msg coach.ChatMessage) {
			fmt.Printf("\ncoach: %s\n> ", msg.Text)
		},
	})

	if sessionKey != "" {
		msgs, ok, err := api.LoadChat(ctx, sessionKey)
		if err != nil {
			slog.Error("failed to load session", "err", err, "session_key", sessionKey)
			return 1
		}
		if ok {
			b.Restore(sessionKey, msgs)
			slog.Info("session resumed", "session_key", sessionKey, "messages", len(msgs))
		}
	}

	up := uploader.New(uploader.Config{
		Transcriber: api,
		OnTranscript: func(t coach.Transcript) {
			fmt.Printf("\nyou: %s\n> ", t.RawText)
			b.OnTranscript(t)
		},
	})

	devErrs := make(chan error, 1)
	pipe := capture.New(capture.Config{
		Device: ffmpeg.New(""),
		DeviceConfig: audio.DeviceConfig{
			SampleRate:    cfg.Capture.SampleRate,
			Channels:      1,
			ChunkInterval: cfg.Capture.ChunkInterval,
			Format:        cfg.Capture.InputFormat,
			DeviceName:    cfg.Capture.InputDevice,
		},
		VAD: vad.Config{
			Threshold:     cfg.VAD.Threshold,
			SilenceWindow: cfg.VAD.SilenceWindow,
		},
		PollInterval:      cfg.Capture.PollInterval,
		MinUtteranceBytes: cfg.Capture.MinUtteranceBytes,
		OnUtterance:       up.HandleUtterance,
		OnDeviceError: func(err error) {
			select {
			case devErrs <- err:
			default:
			}
		},
	})

	if err := pipe.StartListening(ctx); err != nil {
		slog.Error("failed to start capture", "err", err)
		return 1
	}
	defer pipe.StopAll()

	fmt.Printf("voxcoach %s — listening (session %s)\n", version, b.SessionKey())
	fmt.Println("commands: /flush  /clear  /mode coach|strict|correct  /listen  /quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Print("> ")
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			slog.Info("shutting down")
			return 0
		case err := <-devErrs:
			// Device failure is fatal to the capture session; nothing
			// restarts without an explicit /listen.
			fmt.Printf("\nmicrophone failed: %v\n", err)
			fmt.Print("capture stopped — /listen to retry, /quit to exit\n> ")
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			if done := handleCommand(ctx, b, pipe, line); done {
				return 0
			}
			fmt.Print("> ")
		}
	}
}

// handleCommand dispatches one REPL line. Returns true when the session
// should end.
func handleCommand(ctx context.Context, b *batcher.Batcher, pipe *capture.Pipeline, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "/flush":
		pipe.Flush()
	case "/listen":
		switch err := pipe.StartListening(ctx); {
		case errors.Is(err, capture.ErrAlreadyListening):
			fmt.Println("already listening")
		case err != nil:
			fmt.Printf("failed to start capture: %v\n", err)
		default:
			fmt.Println("listening")
		}
	case "/clear":
		key := b.Clear()
		fmt.Printf("session cleared (new session %s)\n", key)
	case "/mode":
		if len(fields) < 2 {
			fmt.Printf("current mode: %s\n", b.Mode())
			return false
		}
		b.SetMode(coach.Mode(fields[1]))
		fmt.Printf("mode: %s\n", b.Mode())
	case "/quit":
		pipe.StopAll()
		return true
	default:
		fmt.Printf("unknown command %q\n", fields[0])
	}
	return false
}
