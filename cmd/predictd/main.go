package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/youta-t/flarc"

	"github.com/opst/houseprice/pkg/artifact"
	"github.com/opst/houseprice/pkg/auth"
	"github.com/opst/houseprice/pkg/predict"
	"github.com/opst/houseprice/pkg/utils/filewatch"
	"github.com/opst/houseprice/pkg/utils/try"
)

type ServeFlags struct {
	ModelDir string `flag:"model-dir" help:"directory where model artifacts are"`
	Prefix   string `flag:"prefix" help:"file name prefix of model artifacts"`
	Version  int    `flag:"model-version" help:"required. version of the model to be served"`
	Addr     string `flag:"addr" help:"address to listen"`
	Loglevel string `flag:"loglevel" help:"log level. debug|info|warn|error|off"`
	TokenKey string `flag:"token-key" metavar:"PATH" help:"HS256 key file. When given, requests need a bearer token signed with it"`
}

type TokenFlags struct {
	TokenKey string `flag:"token-key" metavar:"PATH" help:"required. HS256 key file"`
	Subject  string `flag:"subject" help:"who uses the token"`
	Ttl      string `flag:"ttl" help:"lifetime of the token, in Go duration format"`
}

func main() {
	logger := log.New(os.Stderr, "[predictd] ", log.LstdFlags|log.Lmsgprefix)
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	serve := try.To(flarc.NewCommand(
		"serve predictions with a trained model",
		ServeFlags{
			ModelDir: "models",
			Prefix:   "house_price_model_v",
			Addr:     ":8080",
			Loglevel: "info",
		},
		flarc.Args{},
		func(ctx context.Context, c flarc.Commandline[ServeFlags], _ []any) error {
			return Serve(ctx, logger, c.Flags())
		},
		flarc.WithDescription(`
Serve the prediction API.

- POST /api/predict/ : predict a price of a house, given as a JSON object.
- GET /api/model/ : show the model in use.

When the model artifact file is modified, the server stops to be restarted.
`),
	)).OrFatal(logger)

	token := try.To(flarc.NewCommand(
		"issue a bearer token for the prediction API",
		TokenFlags{Subject: "client", Ttl: "720h"},
		flarc.Args{},
		func(ctx context.Context, c flarc.Commandline[TokenFlags], _ []any) error {
			flags := c.Flags()
			if flags.TokenKey == "" {
				return fmt.Errorf("%w: flag --token-key is required", flarc.ErrUsage)
			}
			ttl, err := time.ParseDuration(flags.Ttl)
			if err != nil {
				return fmt.Errorf("%w: --ttl: %w", flarc.ErrUsage, err)
			}
			key, err := readKey(flags.TokenKey)
			if err != nil {
				return err
			}
			tok, err := auth.Issue(key, flags.Subject, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.Stdout(), tok)
			return err
		},
	)).OrFatal(logger)

	cmd := try.To(flarc.NewCommandGroup(
		"house price prediction server",
		struct{}{},
		flarc.WithSubcommand("serve", serve),
		flarc.WithSubcommand("token", token),
	)).OrFatal(logger)

	os.Exit(flarc.Run(ctx, cmd, flarc.WithHelp(true)))
}

func readKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key = bytes.TrimSpace(key)
	if len(key) == 0 {
		return nil, fmt.Errorf("token key is empty: %s", path)
	}
	return key, nil
}

// Serve the prediction API until ctx is done or the model artifact is modified.
func Serve(ctx context.Context, logger *log.Logger, flags ServeFlags) error {
	if flags.Version < 1 {
		return fmt.Errorf("%w: --model-version should be positive", flarc.ErrUsage)
	}

	var key []byte
	if flags.TokenKey != "" {
		k, err := readKey(flags.TokenKey)
		if err != nil {
			return err
		}
		key = k
	}

	artifacts := artifact.Store{Dir: flags.ModelDir, Prefix: flags.Prefix}
	a, err := artifacts.Load(flags.Version)
	if err != nil {
		return err
	}
	logger.Printf("serving model v%d (%d features)", a.Version, len(a.Features()))

	ctx, cancel, err := filewatch.UntilModifyContext(ctx, artifacts.Path(flags.Version))
	if err != nil {
		return err
	}
	defer cancel()

	e := BuildServer(predict.New(a), key, flags.Loglevel)
	context.AfterFunc(ctx, func() {
		if errors.Is(context.Cause(ctx), filewatch.ErrModified) {
			logger.Println("model artifact is modified. quit to restart server.")
		}
		graceful, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := e.Shutdown(graceful); err != nil {
			logger.Printf("error on shutdown: %s", err)
		}
	})

	if err := e.Start(flags.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if cause := context.Cause(ctx); errors.Is(cause, filewatch.ErrModified) {
		return cause
	}
	return nil
}
