package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"streamgate/internal/journal"
	"streamgate/internal/resumable"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type UploadFlags struct {
	Name        string
	Prefix      string
	ContentType string
	ChunkSize   int
	Parallel    int
}

type ResumeFlags struct {
	Parallel int
}

type SignFlags struct {
	TTL      time.Duration
	Download bool
}

var uploadCmdFlags UploadFlags
var uploadCmd = &cobra.Command{
	Use:   "upload [file1] [file2] ...",
	Short: "Upload files through resumable sessions.",
	Long: `Upload files through resumable sessions. Progress is journaled, so an
interrupted upload can be finished later with "streamgate resume".`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if uploadCmdFlags.Name != "" && len(args) > 1 {
			return errors.New("--name can only be used with a single file")
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireSigner(); err != nil {
			return err
		}

		j, err := journal.Open(ctx, cfg.Upload.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close()

		tracker := j.Track()
		jobs := make([]resumable.Job, 0, len(args))
		for _, arg := range args {
			job, source, err := fileJob(arg, uploadCmdFlags)
			if err != nil {
				return err
			}
			tracker.Add(job.ObjectName, source)
			jobs = append(jobs, job)
		}

		engine, err := a.newEngine(uploadCmdFlags.ChunkSize, tracker)
		if err != nil {
			return err
		}

		parallel := uploadCmdFlags.Parallel
		if parallel <= 0 {
			parallel = cfg.Upload.Parallel
		}

		results := engine.UploadAll(ctx, a.signer, jobs, parallel)
		return report(cmd.OutOrStdout(), results)
	},
}

// fileJob describes one local file as an upload job.
func fileJob(file string, flags UploadFlags) (resumable.Job, string, error) {
	source, err := filepath.Abs(file)
	if err != nil {
		return resumable.Job{}, "", err
	}

	info, err := os.Stat(source)
	if err != nil {
		return resumable.Job{}, "", fmt.Errorf("failed to stat %s: %w", file, err)
	}
	if !info.Mode().IsRegular() {
		return resumable.Job{}, "", fmt.Errorf("%s is not a regular file", file)
	}

	name := flags.Name
	if name == "" {
		name = path.Join(flags.Prefix, filepath.Base(source))
	}
	name = strings.TrimPrefix(name, "/")

	contentType := flags.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(source))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return resumable.Job{
		ObjectName:  name,
		ContentType: contentType,
		Size:        info.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(source)
		},
	}, source, nil
}

func report(w io.Writer, results []resumable.Result) error {
	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.ObjectName, res.Err))
			if res.Session != nil && res.Session.State() == resumable.StateActive {
				fmt.Fprintf(w, "interrupted %s at %d/%d bytes; resume with: streamgate resume %s\n",
					res.ObjectName, res.Session.Offset(), res.Session.TotalLength(), res.Session.URI())
			} else {
				fmt.Fprintf(w, "failed      %s: %v\n", res.ObjectName, res.Err)
			}
			continue
		}
		fmt.Fprintf(w, "uploaded    %s\n", res.ObjectName)
	}
	return errors.Join(errs...)
}

var resumeCmdFlags ResumeFlags
var resumeCmd = &cobra.Command{
	Use:   "resume [session-uri] ...",
	Short: "Finish interrupted uploads.",
	Long: `Finish interrupted uploads recorded in the journal. With no arguments every
recorded session is resumed. Each session is probed for the store's offset
before any data is sent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		j, err := journal.Open(ctx, cfg.Upload.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close()

		entries, err := selectEntries(ctx, j, args)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to resume")
			return nil
		}

		engine, err := a.newEngine(0, j)
		if err != nil {
			return err
		}

		parallel := resumeCmdFlags.Parallel
		if parallel <= 0 {
			parallel = cfg.Upload.Parallel
		}

		results := make([]resumable.Result, len(entries))
		var g errgroup.Group
		g.SetLimit(parallel)
		for i, entry := range entries {
			g.Go(func() error {
				results[i] = resumeEntry(ctx, engine, entry)
				return nil
			})
		}
		g.Wait()

		return report(cmd.OutOrStdout(), results)
	},
}

func selectEntries(ctx context.Context, j *journal.Journal, uris []string) ([]journal.Entry, error) {
	if len(uris) == 0 {
		return j.List(ctx)
	}
	entries := make([]journal.Entry, 0, len(uris))
	for _, uri := range uris {
		e, err := j.Get(ctx, uri)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func resumeEntry(ctx context.Context, engine *resumable.Engine, entry journal.Entry) resumable.Result {
	session := entry.Session()
	res := resumable.Result{ObjectName: entry.ObjectName, Session: session}

	if entry.SourcePath == "" {
		res.Err = fmt.Errorf("no source file recorded for session %s", entry.SessionURI)
		return res
	}

	f, err := os.Open(entry.SourcePath)
	if err != nil {
		res.Err = err
		return res
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		res.Err = err
		return res
	}
	if info.Size() != entry.TotalLength {
		res.Err = fmt.Errorf("%s changed size since the upload started (%d, was %d)", entry.SourcePath, info.Size(), entry.TotalLength)
		return res
	}

	// The engine checkpoints into the journal, so sessions the store
	// rejects, expired ones included, have already been dropped from it.
	res.Err = engine.Resume(ctx, f, session)
	var pe *resumable.ProtocolError
	if errors.As(res.Err, &pe) {
		slog.Warn("Upload session rejected; removed from the journal", "object", entry.ObjectName, "session", entry.SessionURI, "status", pe.Status)
	}
	return res
}

var signCmdFlags SignFlags
var signCmd = &cobra.Command{
	Use:   "sign [object]",
	Short: "Print a signed resumable upload URL.",
	Long: `Print a signed URL that authorizes opening one resumable upload session for the object.
With --download the URL authorizes reading the object instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireSigner(); err != nil {
			return err
		}

		ttl := signCmdFlags.TTL
		if ttl <= 0 {
			ttl = cfg.SignedURLTTL()
		}

		var u string
		if signCmdFlags.Download {
			u, err = a.downloads.SignDownload(ctx, args[0], ttl)
		} else {
			u, err = a.signer.SignResumableInit(ctx, args[0], ttl)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), u)
		return nil
	},
}
