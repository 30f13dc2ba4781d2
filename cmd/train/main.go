package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/youta-t/flarc"

	"github.com/opst/houseprice/pkg/artifact"
	kconf "github.com/opst/houseprice/pkg/configs/pipeline"
	"github.com/opst/houseprice/pkg/pipeline/stage"
	"github.com/opst/houseprice/pkg/store"
	"github.com/opst/houseprice/pkg/store/connect"
	"github.com/opst/houseprice/pkg/train"
	"github.com/opst/houseprice/pkg/utils/try"
)

type Flags struct {
	Config    string `flag:"config" metavar:"PATH" help:"required. pipeline config file"`
	Version   int    `flag:"model-version" help:"overrides training.model_version when positive"`
	Overwrite bool   `flag:"allow-overwrite" help:"overwrite the model artifact if it exists"`
	DryRun    bool   `flag:"dry-run" help:"train and report metrics, without saving the model"`
}

func main() {
	logger := log.New(os.Stderr, "[train] ", log.LstdFlags|log.Lmicroseconds|log.Lmsgprefix)
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	cmd := try.To(flarc.NewCommand(
		"train a house price model with the clean table",
		Flags{},
		flarc.Args{},
		func(ctx context.Context, c flarc.Commandline[Flags], _ []any) error {
			flags := c.Flags()
			if flags.Config == "" {
				return fmt.Errorf("%w: flag --config is required", flarc.ErrUsage)
			}
			if flags.Version < 0 {
				return fmt.Errorf("%w: --model-version should not be negative", flarc.ErrUsage)
			}

			conf, err := kconf.Load(flags.Config)
			if err != nil {
				return err
			}
			st, err := connect.Open(ctx, conf.Database().Url())
			if err != nil {
				return err
			}
			defer st.Close()

			return Train(ctx, logger, c.Stdout(), conf, st, flags)
		},
	)).OrFatal(logger)

	os.Exit(flarc.Run(ctx, cmd))
}

// Train a model with the clean table, as the train_model stage does.
//
// Metrics (and the path of the artifact, if saved) are written to stdout.
func Train(ctx context.Context, logger *log.Logger, stdout io.Writer, conf *kconf.Config, st store.TableReader, flags Flags) error {
	settings := stage.Settings(conf)
	if flags.Version > 0 {
		settings.Version = flags.Version
	}
	if flags.Overwrite {
		settings.AllowOverwrite = true
	}
	if flags.DryRun {
		settings.SaveModel = false
	}

	artifacts := artifact.Store{Dir: conf.Model().Dir(), Prefix: conf.Model().Prefix()}
	report, err := train.Train(
		ctx, st, conf.CleanTable(), settings, artifacts, train.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	m := report.Artifact.Metrics
	if _, err := fmt.Fprintf(stdout, "RMSE: %.2f, R²: %.3f\n", m.RMSE, m.R2); err != nil {
		return err
	}
	if report.Path != "" {
		_, err = fmt.Fprintf(stdout, "saved model: %s\n", report.Path)
	}
	return err
}
