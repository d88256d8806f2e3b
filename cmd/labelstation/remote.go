package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"labelstation/internal/models"
	"labelstation/pkg/remote"
	"labelstation/pkg/segmentation"
)

func newClient() (*remote.Client, error) {
	if err := cfg.RequireServer(); err != nil {
		return nil, err
	}
	return remote.New(cfg.Server.URL, cfg.Server.Token,
		remote.WithTimeout(cfg.Server.Timeout), remote.WithLogger(slog.Default()))
}

func findDataset(ctx context.Context, c *remote.Client, id string) (remote.Dataset, error) {
	list, err := c.ListDatasets(ctx)
	if err != nil {
		return remote.Dataset{}, err
	}
	for _, ds := range list {
		if ds.ID == id || ds.Name == id {
			return ds, nil
		}
	}
	return remote.Dataset{}, fmt.Errorf("%w: dataset %q", models.ErrNotFound, id)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseLabels reads name=value pairs in order.
func parseLabels(pairs []string) (remote.LabelMap, error) {
	var m remote.LabelMap
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok {
			return m, fmt.Errorf("invalid label %q (want name=value)", p)
		}
		v, err := strconv.Atoi(value)
		if err != nil {
			return m, fmt.Errorf("invalid label value in %q: %w", p, err)
		}
		m.Set(name, v)
	}
	return m, nil
}

func remoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Talk to the nnU-Net training server",
	}
	cmd.AddCommand(pingCmd())
	cmd.AddCommand(datasetsCmd())
	cmd.AddCommand(createDatasetCmd())
	cmd.AddCommand(imagesCmd())
	cmd.AddCommand(uploadCmd())
	cmd.AddCommand(jobCmd("preprocess", "Start planning and preprocessing of a dataset"))
	cmd.AddCommand(jobCmd("train", "Start training on a dataset"))
	cmd.AddCommand(jobStatusCmd())
	cmd.AddCommand(predictCmd())
	cmd.AddCommand(predictionsCmd())
	cmd.AddCommand(fetchCmd())
	return cmd
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the server is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			msg, err := c.Ping(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(msg)
			return nil
		},
	}
}

func datasetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "datasets",
		Short: "List datasets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			list, err := c.ListDatasets(cmd.Context())
			if err != nil {
				return err
			}
			for _, ds := range list {
				var labels []string
				for _, l := range ds.Labels.SortedByValue() {
					labels = append(labels, fmt.Sprintf("%s=%d", l.Name, l.Value))
				}
				fmt.Printf("%-12s %-20s %s train %d test %d  %s\n",
					ds.ID, ds.Name, ds.TensorImageSize, ds.NumTraining, ds.NumTest, strings.Join(labels, ","))
			}
			return nil
		},
	}
}

func createDatasetCmd() *cobra.Command {
	var (
		description string
		size        string
		modality    string
		labels      []string
	)

	cmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lm, err := parseLabels(labels)
			if err != nil {
				return err
			}
			if _, ok := lm.Get(segmentation.BackgroundLabel); !ok {
				// background always comes first
				full := remote.NewLabelMap(segmentation.Label{Name: segmentation.BackgroundLabel})
				for _, l := range lm.Labels() {
					full.Set(l.Name, l.Value)
				}
				lm = full
			}
			m := remote.DatasetManifest{
				Name:            args[0],
				Description:     description,
				TensorImageSize: size,
				Modality:        map[string]any{"0": modality},
				Labels:          lm,
				FileEnding:      ".mha",
			}
			// rejected manifests never reach the network
			if err := remote.ValidateManifest(m); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			ds, err := c.CreateDataset(cmd.Context(), m)
			if err != nil {
				return err
			}
			fmt.Printf("Created dataset %s (%s)\n", ds.Name, ds.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "dataset description")
	cmd.Flags().StringVar(&size, "size", "3D", "tensor image size (2D or 3D)")
	cmd.Flags().StringVar(&modality, "modality", "CT", "imaging modality")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "label as name=value, in order")
	return cmd
}

func imagesCmd() *cobra.Command {
	var (
		split  string
		num    int
		outDir string
	)

	cmd := &cobra.Command{
		Use:   "images [dataset]",
		Short: "List the images of a dataset or download one pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if num < 0 {
				list, err := c.ImageNameList(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(list)
			}
			if err := os.MkdirAll(outDir, 0755); err != nil {
				return err
			}
			img, lbl, err := c.GetImageAndLabels(cmd.Context(), args[0], remote.Split(split), num, outDir)
			if err != nil {
				return err
			}
			fmt.Printf("Image:  %s\nLabels: %s\n", img, lbl)
			return nil
		},
	}

	cmd.Flags().StringVar(&split, "split", string(remote.SplitTrain), "train or test")
	cmd.Flags().IntVar(&num, "num", -1, "image number to download (default: list names)")
	cmd.Flags().StringVarP(&outDir, "output", "o", ".", "download directory")
	return cmd
}

func uploadCmd() *cobra.Command {
	var (
		dataset string
		split   string
	)

	cmd := &cobra.Command{
		Use:   "upload [workspace]",
		Short: "Upload a workspace volume and its layers as a labeled pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			c, err := s.Remote()
			if err != nil {
				return err
			}
			ds, err := findDataset(cmd.Context(), c, dataset)
			if err != nil {
				return err
			}
			out, err := s.UploadLayers(cmd.Context(), ds, remote.Split(split))
			if err != nil {
				return err
			}
			fmt.Printf("Uploaded to %s: train %d test %d\n", out.Name, out.NumTraining, out.NumTest)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataset, "dataset", "", "dataset ID or name")
	cmd.Flags().StringVar(&split, "split", string(remote.SplitTrain), "train or test")
	cmd.MarkFlagRequired("dataset")
	return cmd
}

func jobCmd(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [dataset]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var job remote.Job
			if use == "train" {
				job, err = c.RunTraining(cmd.Context(), args[0])
			} else {
				job, err = c.RunPlanAndPreprocess(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			fmt.Printf("Job %s queued at position %d\n", job.JobID, job.QueuePosition)
			return nil
		},
	}
}

func jobStatusCmd() *cobra.Command {
	var (
		wait     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status [preprocess|train] [job-id]",
		Short: "Show the state of a background job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var poll func(context.Context, string) (remote.JobStatus, error)
			switch args[0] {
			case "preprocess":
				poll = c.PlanAndPreprocessStatus
			case "train":
				poll = c.TrainingStatus
			default:
				return fmt.Errorf("unknown job kind %q (must be preprocess or train)", args[0])
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				st, err := poll(cmd.Context(), args[1])
				if err != nil {
					return err
				}
				fmt.Printf("%s %.0f%%\n", st.Status, st.Progress*100)
				if st.Status == remote.JobFailed {
					return fmt.Errorf("%w: job failed: %s", models.ErrServer, st.Error)
				}
				if !wait || st.Done() {
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job finishes")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "poll interval")
	return cmd
}

func predictCmd() *cobra.Command {
	var imageID string

	cmd := &cobra.Command{
		Use:   "predict [dataset] [image]",
		Short: "Submit an image for inference",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if imageID == "" {
				imageID = args[1]
			}
			p, err := c.SubmitPrediction(cmd.Context(), remote.PredictionInput{
				DatasetID: args[0],
				ImageID:   imageID,
				ImagePath: args[1],
			})
			if err != nil {
				return err
			}
			fmt.Printf("Prediction %s: %s\n", p.RequestID, p.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&imageID, "image-id", "", "image identifier (default: the path)")
	return cmd
}

func predictionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "predictions [dataset]",
		Short: "List prediction requests of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			list, err := c.ListPredictions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, p := range list {
				fmt.Printf("%-36s %-20s %s\n", p.RequestID, p.ImageID, p.Status)
			}
			return nil
		},
	}
}

func fetchCmd() *cobra.Command {
	var (
		dataset  string
		request  string
		imageNum int
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "fetch [workspace]",
		Short: "Download a prediction and add its labels as layers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			c, err := s.Remote()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			ds, err := findDataset(ctx, c, dataset)
			if err != nil {
				return err
			}

			var (
				names    []string
				fetchErr error
				done     bool
			)
			s.FetchPrediction(ctx, ds, request, imageNum, func(n []string, err error) {
				names, fetchErr, done = n, err, true
			})
			if !s.Loop.RunUntil(ctx, func() bool { return done }) {
				return fmt.Errorf("%w: prediction download", models.ErrTimeout)
			}
			if fetchErr != nil {
				return fetchErr
			}
			if err := s.SaveWorkspace(args[0]); err != nil {
				return err
			}
			fmt.Printf("Added layers %s\n", strings.Join(names, ", "))
			return nil
		},
	}

	cmd.Flags().StringVar(&dataset, "dataset", "", "dataset ID or name")
	cmd.Flags().StringVar(&request, "request", "", "prediction request ID")
	cmd.Flags().IntVar(&imageNum, "num", 0, "image number within the request")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "overall download limit")
	cmd.MarkFlagRequired("dataset")
	cmd.MarkFlagRequired("request")
	return cmd
}
