// Command voiceprobe runs one voice session against the model stream
// using the host microphone, printing the transcript and dumping
// assistant audio to WAV files. It exists for latency checks and manual
// protocol debugging without a browser in the loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mverastegui/aulavoz/internal/audio"
	"github.com/mverastegui/aulavoz/internal/config"
	"github.com/mverastegui/aulavoz/internal/credentials"
	"github.com/mverastegui/aulavoz/internal/engine"
	"github.com/mverastegui/aulavoz/internal/stream"
)

func main() {
	outDir := flag.String("out", ".", "directory for assistant audio WAV dumps")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	var provider credentials.Provider
	if cfg.FederationURL != "" {
		provider = credentials.NewFederation(cfg.FederationURL, cfg.FederationAuthToken)
	} else {
		provider = credentials.Static{Creds: credentials.Credentials{
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			SessionToken:    cfg.AWSSessionToken,
		}}
	}

	source := audio.NewDeviceSource(audio.PipelineConfig{
		InputRate:  cfg.InputSampleRate,
		OutputRate: cfg.InputSampleRate,
	})

	sess, err := engine.NewSession(engine.Config{
		Tuning: engine.Tuning{
			InputSampleRate:       cfg.InputSampleRate,
			OutputSampleRate:      cfg.OutputSampleRate,
			VADThreshold:          cfg.VADThreshold,
			EndOfUtteranceSilence: cfg.EOUSilence,
			InitialSilenceTimeout: cfg.InitialSilence,
			PacerInterval:         cfg.PacerInterval,
			QueueDepthLimit:       cfg.QueueDepthLimit,
			RestartDelay:          cfg.RestartDelay,
			CaptureDumpDir:        cfg.CaptureDumpDir,
		},
		Settings: engine.Settings{
			VoiceID:       cfg.DefaultVoiceID,
			Temperature:   cfg.DefaultTemperature,
			TopP:          cfg.DefaultTopP,
			MaxTokens:     cfg.DefaultMaxTokens,
			SystemPrompt:  cfg.SystemPrompt,
			KickoffPrompt: cfg.KickoffPrompt,
		},
		Source: source,
		Dialer: &stream.WSDialer{
			URL:         cfg.ModelWSURL,
			ModelID:     cfg.ModelID,
			Credentials: provider,
			DialTimeout: cfg.ModelDialTimeout,
		},
	})
	if err != nil {
		log.Fatalf("session setup: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := sess.Start(ctx); err != nil {
		cancel()
		log.Fatalf("session start: %v", err)
	}
	cancel()
	log.Printf("session %s started, speak after the greeting (ctrl-c to end)", sess.ID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		endCtx, endCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer endCancel()
		if err := sess.End(endCtx); err != nil {
			log.Printf("end session: %v", err)
		}
	}()

	var (
		reply      []int16
		replyRate  int
		completion int
	)
	flushReply := func() {
		if len(reply) == 0 {
			return
		}
		completion++
		path := filepath.Join(*outDir, fmt.Sprintf("reply-%03d.wav", completion))
		if err := audio.WriteWAVFile(path, reply, replyRate); err != nil {
			log.Printf("write %s: %v", path, err)
		} else {
			log.Printf("wrote %s (%.1fs)", path, float64(len(reply))/float64(replyRate))
		}
		reply = reply[:0]
	}

	for ev := range sess.Events() {
		switch e := ev.(type) {
		case engine.TextChunk:
			marker := ""
			if e.Speculative {
				marker = " (speculative)"
			}
			fmt.Printf("[%s]%s %s\n", e.Role, marker, e.Text)
		case engine.AudioChunk:
			replyRate = e.SampleRate
			reply = append(reply, e.Samples...)
		case engine.BargeIn:
			fmt.Println("-- interrupted --")
			reply = reply[:0]
		case engine.CaptureStarted:
			fmt.Println("-- listening --")
		case engine.CaptureStopped:
			fmt.Printf("-- turn closed (%s) --\n", e.Reason)
		case engine.CompletionEnded:
			flushReply()
		case engine.UsageReport:
			log.Printf("usage: %d in / %d out / %d total tokens", e.InputTokens, e.OutputTokens, e.TotalTokens)
		case engine.SessionEnded:
			flushReply()
			log.Printf("session ended: %s", e.Reason)
		}
	}
}
