package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/smart-terminal/backend/internal/client"
	"github.com/smart-terminal/backend/internal/session"
)

var (
	serverFlag  string
	colsFlag    int
	rowsFlag    int
	timeoutFlag time.Duration

	rootCmd = &cobra.Command{
		Use:           "shellctl",
		Short:         "shellctl - attach to and manage Smart Terminal sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	attachCmd = &cobra.Command{
		Use:   "attach",
		Short: "Open a new shell on the server and attach this terminal to it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return attach(cmd.Context(), client.NewHTTPClient(serverFlag))
		},
	}

	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "List live and recently closed sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
			defer cancel()
			sessions, err := client.NewHTTPClient(serverFlag).Sessions(ctx)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions")
				return nil
			}
			fmt.Println(renderSessions(sessions))
			return nil
		},
	}

	closeCmd = &cobra.Command{
		Use:   "close <session-id>",
		Short: "Terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
			defer cancel()
			if err := client.NewHTTPClient(serverFlag).CloseSession(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Session %s closed\n", args[0])
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "http://127.0.0.1:8000",
		"Base URL of the terminal server")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Second,
		"Timeout for API calls")
	attachCmd.Flags().IntVar(&colsFlag, "cols", 0, "Window width (default: current terminal)")
	attachCmd.Flags().IntVar(&rowsFlag, "rows", 0, "Window height (default: current terminal)")

	rootCmd.AddCommand(attachCmd, sessionsCmd, closeCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func attach(ctx context.Context, api *client.HTTPClient) error {
	fd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(fd)

	cols, rows := colsFlag, rowsFlag
	if interactive && (cols == 0 || rows == 0) {
		if w, h, err := term.GetSize(fd); err == nil {
			if cols == 0 {
				cols = w
			}
			if rows == 0 {
				rows = h
			}
		}
	}

	wsURL, err := api.TerminalURL(cols, rows)
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeoutFlag)
	t, err := client.Dial(dialCtx, wsURL)
	cancel()
	if err != nil {
		return err
	}
	defer t.Close()

	if interactive {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(fd, state)

		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		defer signal.Stop(winch)
		go func() {
			for range winch {
				if w, h, err := term.GetSize(fd); err == nil {
					t.Resize(w, h)
				}
			}
		}()
	}

	go func() {
		if _, err := io.Copy(t, os.Stdin); err == nil {
			// stdin reached EOF: end the session so Copy returns.
			t.End()
		}
	}()

	err = t.Copy(os.Stdout)
	var serverErr *client.ServerError
	if errors.As(err, &serverErr) {
		return serverErr
	}
	return err
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	activeStyle = cellStyle.Foreground(lipgloss.Color("10"))
	closedStyle = cellStyle.Foreground(lipgloss.Color("8"))
)

// renderSessions formats the listing as a bordered table, newest last.
func renderSessions(sessions []client.Session) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("SESSION", "PID", "SIZE", "STATUS", "CREATED", "EXIT").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 3 {
				if sessions[row].Status == session.StatusActive {
					return activeStyle
				}
				return closedStyle
			}
			return cellStyle
		})

	for _, s := range sessions {
		pid := "-"
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
		}
		exit := ""
		if s.ExitCode != nil {
			exit = fmt.Sprint(*s.ExitCode)
		}
		t.Row(
			s.SessionID,
			pid,
			fmt.Sprintf("%dx%d", s.Cols, s.Rows),
			s.Status,
			s.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			exit,
		)
	}
	return t.Render()
}
