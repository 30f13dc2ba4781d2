package stage

import (
	"fmt"
	"log"

	kconf "github.com/opst/houseprice/pkg/configs/pipeline"
	"github.com/opst/houseprice/pkg/loader"
	"github.com/opst/houseprice/pkg/pipeline"
	"github.com/opst/houseprice/pkg/store"
	"github.com/opst/houseprice/pkg/train"
	k8s "github.com/opst/houseprice/pkg/workloads/k8s"
)

// Deps are what stages use.
type Deps struct {
	Store store.Store

	// Where trained models go.
	Artifacts train.Saver

	// Cluster for job stages, by its namespace.
	//
	// It is required only when some stages are jobs.
	Cluster func(namespace string) (k8s.Cluster, error)

	// Base logger. Each stage logs with the prefix "[stage <name>]".
	Logger *log.Logger

	LoadObserver loader.Observer
}

var statuses = map[string]pipeline.Status{
	kconf.StageLoadRaw:     pipeline.Loading,
	kconf.StageRunDbtStg:   pipeline.Staging,
	kconf.StageRunDbtClean: pipeline.Cleaning,
	kconf.StageTrainModel:  pipeline.Training,
}

// FromConfig builds steps of the pipeline.
func FromConfig(conf *kconf.Config, deps Deps) ([]pipeline.Step, error) {
	steps := []pipeline.Step{}
	for _, sc := range conf.Pipeline().Stages() {
		status, ok := statuses[sc.Name()]
		if !ok {
			return nil, fmt.Errorf("unknown stage: %s", sc.Name())
		}
		s, err := build(conf, sc, deps)
		if err != nil {
			return nil, err
		}
		steps = append(steps, pipeline.Step{
			Status:     status,
			Stage:      s,
			Retries:    sc.Retries(),
			RetryDelay: sc.RetryDelay(),
			Timeout:    sc.Timeout(),
		})
	}
	return steps, nil
}

func build(conf *kconf.Config, sc *kconf.StageConfig, deps Deps) (pipeline.Stage, error) {
	logger := stageLogger(deps.Logger, sc.Name())

	switch sc.Kind() {
	case kconf.KindBuiltin:
		switch sc.Builtin() {
		case kconf.BuiltinLoad:
			return &Load{
				StageName: sc.Name(),
				Source:    conf.Source().Path(),
				Writer:    deps.Store,
				Target:    conf.RawTable(),
				Mode:      conf.Source().Mode(),
				ChunkSize: conf.Source().ChunkSize(),
				Logger:    logger,
				Observer:  deps.LoadObserver,
			}, nil
		case kconf.BuiltinTrain:
			return &Train{
				StageName: sc.Name(),
				Reader:    deps.Store,
				Table:     conf.CleanTable(),
				Settings:  Settings(conf),
				Saver:     deps.Artifacts,
				Logger:    logger,
			}, nil
		default:
			return nil, fmt.Errorf("stage %s: unknown builtin: %s", sc.Name(), sc.Builtin())
		}
	case kconf.KindCommand:
		return &Command{
			StageName: sc.Name(),
			Argv:      sc.Command(),
			Dir:       sc.Dir(),
			Env:       sc.Env(),
			Logger:    logger,
		}, nil
	case kconf.KindSql:
		return &Sql{
			StageName: sc.Name(),
			Dir:       sc.SqlDir(),
			Scripter:  deps.Store,
			Logger:    logger,
		}, nil
	case kconf.KindJob:
		jc := sc.Job()
		if deps.Cluster == nil {
			return nil, fmt.Errorf("stage %s: kubernetes is not available", sc.Name())
		}
		cluster, err := deps.Cluster(jc.Namespace())
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", sc.Name(), err)
		}
		return &Job{
			StageName: sc.Name(),
			Cluster:   cluster,
			Spec: k8s.JobSpec{
				Image:          jc.Image(),
				Command:        jc.Command(),
				Args:           jc.Args(),
				Env:            jc.Env(),
				ServiceAccount: jc.ServiceAccount(),
				Labels:         map[string]string{"houseprice.opst.github.io/stage": sc.Name()},
			},
			PollInterval: jc.PollInterval(),
			Logger:       logger,
		}, nil
	default:
		return nil, fmt.Errorf("stage %s: unknown kind: %s", sc.Name(), sc.Kind())
	}
}

// Settings of training from the config.
func Settings(conf *kconf.Config) train.Settings {
	t := conf.Training()
	return train.Settings{
		Label:           t.Label(),
		Drop:            t.Drop(),
		TestSize:        t.TestSize(),
		RandomState:     t.RandomState(),
		Hyperparameters: conf.Model().Hyperparameters(),
		SaveModel:       t.SaveModel(),
		Version:         t.ModelVersion(),
		AllowOverwrite:  t.AllowOverwrite(),
	}
}

func stageLogger(base *log.Logger, name string) *log.Logger {
	if base == nil {
		return nil
	}
	return log.New(base.Writer(), fmt.Sprintf("[stage %s] ", name), base.Flags()|log.Lmsgprefix)
}
