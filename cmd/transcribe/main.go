// Command transcribe uploads an audio recording and waits for its transcript.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/joho/godotenv"

	"github.com/kirillkom/medscribe/internal/client"
	"github.com/kirillkom/medscribe/internal/core/domain"
	"github.com/kirillkom/medscribe/internal/core/validation"
	"github.com/kirillkom/medscribe/internal/observability/logging"
)

const (
	exitFailed  = 1
	exitUsage   = 2
	exitTimeout = 3
)

func main() {
	_ = godotenv.Load()
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	server := fs.String("server", envOr("MEDSCRIBE_URL", "http://localhost:8080"), "API base URL")
	apiKey := fs.String("api-key", os.Getenv("DASHBOARD_API_KEY"), "dashboard API key")
	owner := fs.String("owner", os.Getenv("MEDSCRIBE_OWNER"), "owner id sent as X-User-Id")
	doctor := fs.String("doctor", "", "doctor name (required)")
	patient := fs.String("patient", "", "patient name (required)")
	docType := fs.String("type", "consultation", "document type")
	notes := fs.String("notes", "", "additional notes")
	interval := fs.Duration("interval", 2*time.Second, "poll interval")
	attempts := fs.Int("attempts", 150, "maximum status polls")
	requestTimeout := fs.Duration("timeout", 5*time.Minute, "per-request timeout, covers the upload")
	out := fs.String("out", "", "write the transcript to this file instead of stdout")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: transcribe [flags] <audio-file>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 || *doctor == "" || *patient == "" {
		fs.Usage()
		return exitUsage
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	logger := logging.New(os.Stderr, "text", "transcribe", level)

	path := fs.Arg(0)
	detected, err := mimetype.DetectFile(path)
	if err != nil {
		logger.Error("cannot read audio file", "path", path, "error", err)
		return exitFailed
	}
	if !validation.IsAllowedAudio(detected.String(), path) {
		logger.Error("file does not look like audio", "path", path, "detected", detected.String())
		return exitFailed
	}
	// Containers like webm sniff as video; let the server decide then.
	contentType := ""
	if validation.IsAllowedMIME(detected.String()) {
		contentType = detected.String()
	}

	file, err := os.Open(path)
	if err != nil {
		logger.Error("open audio file", "path", path, "error", err)
		return exitFailed
	}
	defer file.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.New(*server,
		client.WithAPIKey(*apiKey),
		client.WithOwner(*owner),
		client.WithHTTPClient(&http.Client{Timeout: *requestTimeout}),
	)
	submitted, err := api.Submit(ctx, client.SubmitInput{
		FileName:        filepath.Base(path),
		ContentType:     contentType,
		Audio:           file,
		DoctorName:      *doctor,
		PatientName:     *patient,
		DocumentType:    *docType,
		AdditionalNotes: *notes,
	})
	if err != nil {
		logger.Error("submit failed", "error", err)
		return exitFailed
	}
	logger.Info("submitted", "transcription_id", submitted.TranscriptionID, "status", submitted.Status, "message", submitted.Message)
	if submitted.Status == domain.StatusFailed {
		return exitFailed
	}

	job, err := api.WaitForCompletion(ctx, submitted.TranscriptionID, client.PollOptions{
		Interval:    *interval,
		MaxAttempts: *attempts,
		OnStatus: func(j *domain.Transcription) {
			logger.Debug("status", "transcription_id", j.ID, "status", j.Status)
		},
	})
	switch {
	case errors.Is(err, client.ErrWaitTimedOut):
		logger.Error("gave up waiting", "transcription_id", submitted.TranscriptionID, "error", err)
		return exitTimeout
	case err != nil:
		logger.Error("wait failed", "transcription_id", submitted.TranscriptionID, "error", err)
		return exitFailed
	case job.Status == domain.StatusFailed:
		logger.Error("transcription failed", "transcription_id", job.ID, "error", job.Error)
		return exitFailed
	}

	if *out == "" {
		fmt.Println(job.DisplayText())
		return 0
	}
	if err := os.WriteFile(*out, []byte(job.DisplayText()+"\n"), 0o644); err != nil {
		logger.Error("write transcript", "path", *out, "error", err)
		return exitFailed
	}
	logger.Info("transcript written", "path", *out)
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
