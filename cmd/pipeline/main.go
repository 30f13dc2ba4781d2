package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/youta-t/flarc"

	cfg_hook "github.com/opst/houseprice/pkg/configs/hook"
	kconf "github.com/opst/houseprice/pkg/configs/pipeline"
	"github.com/opst/houseprice/pkg/loop/recurring"
	"github.com/opst/houseprice/pkg/metrics"
	"github.com/opst/houseprice/pkg/store/connect"
	"github.com/opst/houseprice/pkg/utils/args"
	"github.com/opst/houseprice/pkg/utils/filewatch"
	"github.com/opst/houseprice/pkg/utils/kubeutil"
	"github.com/opst/houseprice/pkg/utils/try"
	k8s "github.com/opst/houseprice/pkg/workloads/k8s"
)

type Flags struct {
	Config     string                          `flag:"config" metavar:"PATH" help:"pipeline config file (envvar: HOUSEPRICE_CONFIG)"`
	Hooks      string                          `flag:"hooks" metavar:"PATH" help:"lifecycle hook config file (envvar: HOUSEPRICE_HOOK_CONFIG)"`
	Policy     *args.Adapter[recurring.Policy] `flag:"policy" metavar:"once|daily|weekly|every:DURATION" help:"schedule. It overrides pipeline.schedule in the config"`
	Backfill   bool                            `flag:"backfill" help:"run missed windows after a long run, with --policy"`
	Metrics    string                          `flag:"metrics" metavar:"ADDR" help:"address to serve prometheus metrics. empty disables it"`
	Kubeconfig string                          `flag:"kubeconfig" metavar:"PATH" help:"kubeconfig for job stages"`
}

func main() {
	logger := log.Default()
	logger.SetFlags(log.LstdFlags | log.Lmicroseconds)
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, os.Kill, syscall.SIGTERM,
	)
	defer cancel()

	cmd := try.To(flarc.NewCommand(
		"run the house price pipeline on schedule",
		Flags{
			Config: os.Getenv("HOUSEPRICE_CONFIG"),
			Hooks:  os.Getenv("HOUSEPRICE_HOOK_CONFIG"),
			Policy: args.Parser(recurring.ParsePolicy),
		},
		flarc.Args{},
		func(ctx context.Context, c flarc.Commandline[Flags], _ []any) error {
			return run(ctx, logger, c.Flags())
		},
		flarc.WithDescription(`
Run the pipeline (load_raw, run_dbt_stg, run_dbt_clean and train_model) on schedule.

When the config file or the hook config file is modified, it stops to be restarted.
`),
	)).OrFatal(logger)

	os.Exit(flarc.Run(ctx, cmd))
}

func run(ctx context.Context, logger *log.Logger, flags Flags) error {
	if flags.Config == "" {
		return fmt.Errorf("%w: flag --config is required", flarc.ErrUsage)
	}
	if flags.Backfill && !flags.Policy.IsSet() {
		return fmt.Errorf("%w: --backfill needs --policy", flarc.ErrUsage)
	}

	{
		// watch config & hooks
		watched := []string{flags.Config}
		if flags.Hooks != "" {
			watched = append(watched, flags.Hooks)
		}
		wctx, cancel, err := filewatch.UntilModifyContext(ctx, watched...)
		if err != nil {
			return err
		}
		defer cancel()
		ctx = wctx
	}

	conf, err := kconf.Load(flags.Config)
	if err != nil {
		return err
	}
	hooks := cfg_hook.Config{}
	if flags.Hooks != "" {
		if hooks, err = cfg_hook.Load(flags.Hooks); err != nil {
			return err
		}
	}

	policy := conf.Pipeline().Schedule()
	if flags.Policy.IsSet() {
		policy = flags.Policy.Value()
		if flags.Backfill {
			policy = recurring.WithBackfill(policy)
		}
	}

	st, err := connect.Open(ctx, conf.Database().Url())
	if err != nil {
		return err
	}
	defer st.Close()

	collector := metrics.New()
	if flags.Metrics != "" {
		go func() {
			if err := ServeMetrics(ctx, logger, flags.Metrics, collector); err != nil {
				logger.Printf("metrics server stopped: %s", err)
			}
		}()
	}

	clientset := sync.OnceValues(func() (k8s.K8sClient, error) {
		var search []string
		if flags.Kubeconfig != "" {
			search = append(search, flags.Kubeconfig)
		}
		cs, err := kubeutil.ConnectToK8s(search...)
		if err != nil {
			return nil, err
		}
		return k8s.WrapK8sClient(cs), nil
	})

	d := Daemon{
		Config:  conf,
		Hooks:   hooks,
		Store:   st,
		Metrics: collector,
		Logger:  logger,
		Cluster: func(namespace string) (k8s.Cluster, error) {
			client, err := clientset()
			if err != nil {
				return nil, err
			}
			return k8s.AttachCluster(client, namespace), nil
		},
	}

	_, err = d.Start(ctx, policy)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		logger.Println("pipeline is stopped by:", context.Cause(ctx))
		if errors.Is(context.Cause(ctx), filewatch.ErrModified) {
			return context.Cause(ctx)
		}
		return nil
	}
	return err
}
