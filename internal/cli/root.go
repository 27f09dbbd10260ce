// Package cli is the meetingctl command line.
package cli

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"meeting-pipeline-go/internal/config"
	"meeting-pipeline-go/internal/logger"
	"meeting-pipeline-go/internal/processor"
)

var (
	envFile string
	svc     *processor.Service
	// openService is swapped in tests.
	openService = func(cfg config.Config, log *logger.Logger) (*processor.Service, error) {
		return processor.Open(cfg, log)
	}
)

var rootCmd = &cobra.Command{
	Use:           "meetingctl",
	Short:         "Run meeting recordings through transcription",
	Long:          `meetingctl transcodes meeting recordings, uploads them, and collects transcripts from the speech backend. Tasks are stored on disk and resume where they stopped.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var files []string
		if envFile != "" {
			files = append(files, envFile)
		}
		cfg := config.Load(files...)
		s, err := openService(cfg, logger.NewWithOutput(os.Stderr))
		if err != nil {
			return err
		}
		svc = s
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if svc == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return svc.Shutdown(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "Path to a .env file")
	rootCmd.AddCommand(processCmd, listCmd, showCmd, retryCmd, restartCmd, checkCmd, importCmd, exportCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
