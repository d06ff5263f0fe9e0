package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/karelmaki/fotosync/internal/remote"
)

func newTrainCmd() *cobra.Command {
	var (
		baseModel string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "train <subject> <photo-urls...>",
		Short: "Submit a fine-tuning job for a subject",
		Long: `Start training a personalized model from already-uploaded photos.
Photo arguments are blob URLs as printed by "fotosync upload".`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()

			app.connMon.Refresh(ctx)
			if !app.connMon.Online() {
				return fmt.Errorf("training requires a connection; try again when online")
			}

			job, err := app.tracker.SubmitTraining(ctx, remote.TrainingParams{
				SubjectName: args[0],
				PhotoURLs:   args[1:],
				BaseModel:   baseModel,
			})
			if err != nil {
				return err
			}

			statusf("Training job %s submitted for %q.\n", job.ID, args[0])

			if !wait {
				return nil
			}

			final, err := app.tracker.Watch(ctx, job.ID)
			if err != nil {
				return err
			}

			if final.Status == remote.JobFailed {
				return fmt.Errorf("training failed: %s", final.Error)
			}

			statusf("Training complete.\n")

			return nil
		},
	}

	cmd.Flags().StringVar(&baseModel, "base-model", "", "base model to fine-tune from")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for training to finish")

	return cmd
}
