package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/karelmaki/fotosync/internal/remote"
)

func newGenerateCmd() *cobra.Command {
	var (
		modelID string
		wait    bool
	)

	cmd := &cobra.Command{
		Use:   "generate <prompt...>",
		Short: "Submit an image generation job",
		Long: `Submit a generation job to the inference service. Inference steps and
low-memory mode are chosen from the device's current optimization level.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()

			app.connMon.Refresh(ctx)
			if !app.connMon.Online() {
				return fmt.Errorf("generation requires a connection; try again when online")
			}

			job, err := app.tracker.SubmitGeneration(ctx, remote.GenerationParams{
				Prompt:  strings.Join(args, " "),
				ModelID: modelID,
			})
			if err != nil {
				return err
			}

			statusf("Job %s submitted.\n", job.ID)

			if !wait {
				return nil
			}

			final, err := app.tracker.Watch(ctx, job.ID)
			if err != nil {
				return err
			}

			if final.Status == remote.JobFailed {
				return fmt.Errorf("generation failed: %s", final.Error)
			}

			for _, url := range final.Outputs {
				fmt.Println(url)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&modelID, "model", "", "fine-tuned model to generate with")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish and print output URLs")

	return cmd
}
