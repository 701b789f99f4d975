package cli

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"ricevute/internal/client"
	"ricevute/internal/export"
	"ricevute/internal/syncer"
)

// detectContentType prefers the file extension and falls back to sniffing
// the first 512 bytes.
func detectContentType(f *os.File) (string, error) {
	if ct := mime.TypeByExtension(filepath.Ext(f.Name())); ct != "" {
		return ct, nil
	}
	head := make([]byte, 512)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return http.DetectContentType(head[:n]), nil
}

// NewAttachCommand creates the attach command.
func NewAttachCommand(opts *RootOptions) *cobra.Command {
	var (
		contentType string
		retries     int
		bindKey     string
	)

	cmd := &cobra.Command{
		Use:   "attach <id> [file]",
		Short: "Attach a receipt image or PDF to an expense",
		Long: `Attach a receipt to an expense. The file is uploaded straight to object
storage through a short-lived signed URL, then bound to the expense.

When the upload succeeds but binding fails, the bind is retried without
uploading again. If it still fails the key is printed; finish later with:
  ricevute attach <id> --bind-key <key>`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			out := opts.output(cmd)

			if bindKey != "" {
				if len(args) == 2 {
					return NewExitError(ExitCommandError, "--bind-key takes no file")
				}
				e, err := c.Bind(cmd.Context(), id, bindKey)
				if err != nil {
					return classify(fmt.Sprintf("bind to expense %d", id), err)
				}
				return out.Expense(e)
			}
			if len(args) != 2 {
				return NewExitError(ExitCommandError, "a file is required")
			}

			f, err := os.Open(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "cannot open file", err)
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return WrapExitError(ExitCommandError, "cannot read file", err)
			}
			if contentType == "" {
				if contentType, err = detectContentType(f); err != nil {
					return WrapExitError(ExitCommandError, "cannot read file", err)
				}
			}

			e, err := c.Attach(cmd.Context(), id, client.Attachment{
				Filename:    filepath.Base(f.Name()),
				ContentType: contentType,
				Body:        f,
				Size:        info.Size(),
			})
			for attempt := 1; err != nil && attempt <= retries; attempt++ {
				be, ok := client.AsBindError(err)
				if !ok {
					break
				}
				out.VerboseLog("bind failed (%v), retry %d/%d", be.Err, attempt, retries)
				if !sleepCtx(cmd.Context(), time.Duration(attempt)*500*time.Millisecond) {
					break
				}
				e, err = c.RetryBind(cmd.Context(), be)
			}
			if err != nil {
				if be, ok := client.AsBindError(err); ok {
					return WrapExitError(ExitUnavailable,
						fmt.Sprintf("uploaded but not attached; retry with: ricevute attach %d --bind-key %s", be.ID, be.Key), be.Err)
				}
				return classify(fmt.Sprintf("attach to expense %d", id), err)
			}
			return out.Expense(e)
		},
	}

	cmd.Flags().StringVar(&contentType, "type", "", "content type (detected from the file when empty)")
	cmd.Flags().IntVar(&retries, "retries", 2, "bind retries after a successful upload")
	cmd.Flags().StringVar(&bindKey, "bind-key", "", "bind an already uploaded key instead of uploading")
	return cmd
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// NewExportCommand creates the export command.
func NewExportCommand(opts *RootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download all expenses as an XLSX workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			if output == "" {
				output = export.FileName(time.Now())
			}

			tmp, err := os.CreateTemp(filepath.Dir(output), ".ricevute-export-*")
			if err != nil {
				return WrapExitError(ExitCommandError, "cannot write output", err)
			}
			defer os.Remove(tmp.Name())

			if err := c.Export(cmd.Context(), tmp); err != nil {
				tmp.Close()
				return classify("export", err)
			}
			if err := tmp.Close(); err != nil {
				return WrapExitError(ExitCommandError, "cannot write output", err)
			}
			if err := os.Rename(tmp.Name(), output); err != nil {
				return WrapExitError(ExitCommandError, "cannot write output", err)
			}
			return opts.output(cmd).Message("exported to %s", output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default expenses-<date>.xlsx)")
	return cmd
}

// NewWatchCommand creates the watch command. Each change notice
// invalidates the local view, which is refetched and printed.
func NewWatchCommand(opts *RootOptions) *cobra.Command {
	var showList bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow changes as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			out := opts.output(cmd)

			var coord *syncer.Coordinator
			if showList {
				coord, err = opts.coordinator(cmd, c, syncer.GoScheduler)
				if err != nil {
					return err
				}
				if err := out.Expenses(coord.Expenses().Expenses); err != nil {
					return err
				}
				var mu sync.Mutex
				lastVersion := coord.Expenses().Version
				coord.Subscribe(func(s syncer.Snapshot) {
					mu.Lock()
					defer mu.Unlock()
					if s.Pending != nil || s.Stale || s.Version <= lastVersion {
						return
					}
					lastVersion = s.Version
					_ = out.Expenses(s.Expenses)
				})
			}

			err = c.Watch(cmd.Context(), func(n client.Notice) {
				_ = out.Message("%s #%d at %s", n.Change, n.ID, n.At.Local().Format(time.TimeOnly))
				if coord != nil {
					coord.Invalidate()
				}
			})
			if err != nil {
				return classify("watch", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showList, "list", false, "print the refreshed list after every change")
	return cmd
}
