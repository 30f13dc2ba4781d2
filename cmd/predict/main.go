package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/youta-t/flarc"

	"github.com/opst/houseprice/pkg/artifact"
	"github.com/opst/houseprice/pkg/predict"
	"github.com/opst/houseprice/pkg/utils/try"
)

type Flags struct {
	ModelDir string `flag:"model-dir" help:"directory where model artifacts are"`
	Prefix   string `flag:"prefix" help:"file name prefix of model artifacts"`
	Version  int    `flag:"model-version" help:"required. version of the model"`
	Input    string `flag:"input" metavar:"PATH" help:"JSON file of a house. \"-\" reads stdin"`
}

func main() {
	logger := log.New(os.Stderr, "[predict] ", log.LstdFlags|log.Lmsgprefix)
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	cmd := try.To(flarc.NewCommand(
		"predict a price of a house with a trained model",
		Flags{
			ModelDir: "models",
			Prefix:   "house_price_model_v",
			Input:    "-",
		},
		flarc.Args{},
		func(ctx context.Context, c flarc.Commandline[Flags], _ []any) error {
			flags := c.Flags()
			if flags.Version < 1 {
				return fmt.Errorf("%w: --model-version should be positive", flarc.ErrUsage)
			}

			in := c.Stdin()
			if flags.Input != "-" {
				f, err := os.Open(flags.Input)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			artifacts := artifact.Store{Dir: flags.ModelDir, Prefix: flags.Prefix}
			return Predict(artifacts, flags.Version, in, c.Stdout())
		},
	)).OrFatal(logger)

	os.Exit(flarc.Run(ctx, cmd))
}

// Predict reads a JSON object of a house from in, and writes the predicted price to out.
func Predict(artifacts artifact.Store, version int, in io.Reader, out io.Writer) error {
	a, err := artifacts.Load(version)
	if err != nil {
		return err
	}

	record := map[string]any{}
	if err := json.NewDecoder(in).Decode(&record); err != nil {
		return fmt.Errorf("input should be a JSON object: %w", err)
	}

	y, err := predict.New(a).Predict(record)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%.2f\n", y)
	return err
}
