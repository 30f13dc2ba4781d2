package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/opst/houseprice/pkg/loop/recurring"
	"github.com/opst/houseprice/pkg/model"
	"github.com/opst/houseprice/pkg/store"
)

type Marshalled[S any] interface {
	trySeal(string) S
}

// seal marshalled object.
//
// this function CAN CAUSE PANIC if misconfiguration is found.
//
// All types named `pkg/configs/pipeline.XxxMarshall` are `Marshalled[*Xxx]` .
func TrySeal[S any](conf Marshalled[S]) S {
	return conf.trySeal("(root)")
}

type ConfigMarshall struct {
	Database   *DatabaseConfigMarshall   `yaml:"database"`
	Namespaces *NamespacesConfigMarshall `yaml:"namespaces,omitempty"`
	Source     *SourceConfigMarshall     `yaml:"source"`
	Tables     *TablesConfigMarshall     `yaml:"tables,omitempty"`
	Training   *TrainingConfigMarshall   `yaml:"training"`
	Model      *ModelConfigMarshall      `yaml:"model,omitempty"`
	Pipeline   *PipelineConfigMarshall   `yaml:"pipeline,omitempty"`
}

var _ Marshalled[*Config] = &ConfigMarshall{}

func (c *ConfigMarshall) trySeal(path string) *Config {
	return &Config{
		database:   nonnil(c.Database, path+".database").trySeal(path + ".database"),
		namespaces: orZero(c.Namespaces).trySeal(path + ".namespaces"),
		source:     nonnil(c.Source, path+".source").trySeal(path + ".source"),
		tables:     orZero(c.Tables).trySeal(path + ".tables"),
		training:   nonnil(c.Training, path+".training").trySeal(path + ".training"),
		model:      orZero(c.Model).trySeal(path + ".model"),
		pipeline:   orZero(c.Pipeline).trySeal(path + ".pipeline"),
	}
}

type DatabaseConfigMarshall struct {
	Url string `yaml:"url"`
}

func (d *DatabaseConfigMarshall) trySeal(path string) *DatabaseConfig {
	return &DatabaseConfig{url: required(d.Url, path+".url")}
}

type NamespacesConfigMarshall struct {
	Raw     string `yaml:"raw,omitempty"`
	Staging string `yaml:"staging,omitempty"`
	Marts   string `yaml:"marts,omitempty"`
	Meta    string `yaml:"meta,omitempty"`
}

func (n *NamespacesConfigMarshall) trySeal(string) *NamespacesConfig {
	return &NamespacesConfig{
		raw:     or(n.Raw, "house_prices_raw"),
		staging: or(n.Staging, "house_prices_staging"),
		marts:   or(n.Marts, "house_prices_marts"),
		meta:    or(n.Meta, "house_prices_meta"),
	}
}

type SourceConfigMarshall struct {
	Path      string `yaml:"path"`
	Table     string `yaml:"table,omitempty"`
	Mode      string `yaml:"mode,omitempty"`
	ChunkSize *int   `yaml:"chunk_size,omitempty"`
}

func (s *SourceConfigMarshall) trySeal(path string) *SourceConfig {
	mode, err := store.ParseMode(or(s.Mode, string(store.Replace)))
	if err != nil {
		panic(fmt.Errorf("%s.mode: %w", path, err))
	}
	chunkSize := 50_000
	if s.ChunkSize != nil {
		chunkSize = *s.ChunkSize
	}
	if chunkSize < 0 {
		panic(fmt.Errorf("%s.chunk_size should not be negative: %d", path, chunkSize))
	}
	return &SourceConfig{
		path:      required(s.Path, path+".path"),
		table:     or(s.Table, "raw_house_prices"),
		mode:      mode,
		chunkSize: chunkSize,
	}
}

type TablesConfigMarshall struct {
	Clean string `yaml:"clean,omitempty"`
}

func (t *TablesConfigMarshall) trySeal(string) *TablesConfig {
	return &TablesConfig{clean: or(t.Clean, "clean_house_prices")}
}

type TrainingConfigMarshall struct {
	TestSize       *float64 `yaml:"test_size,omitempty"`
	RandomState    int64    `yaml:"random_state"`
	SaveModel      bool     `yaml:"save_model"`
	ModelVersion   int      `yaml:"model_version"`
	AllowOverwrite bool     `yaml:"allow_overwrite,omitempty"`
	Label          string   `yaml:"label,omitempty"`
	Drop           []string `yaml:"drop,omitempty"`
}

func (t *TrainingConfigMarshall) trySeal(path string) *TrainingConfig {
	testSize := 0.2
	if t.TestSize != nil {
		testSize = *t.TestSize
	}
	if !(0 < testSize && testSize < 1) {
		panic(fmt.Errorf("%s.test_size should be in (0, 1): %v", path, testSize))
	}
	if t.ModelVersion < 1 {
		panic(fmt.Errorf("%s.model_version should be positive: %d", path, t.ModelVersion))
	}
	drop := t.Drop
	if drop == nil {
		drop = []string{"id"}
	}
	return &TrainingConfig{
		testSize:       testSize,
		randomState:    t.RandomState,
		saveModel:      t.SaveModel,
		modelVersion:   t.ModelVersion,
		allowOverwrite: t.AllowOverwrite,
		label:          or(t.Label, "saleprice"),
		drop:           drop,
	}
}

type ModelConfigMarshall struct {
	Dir             string         `yaml:"dir,omitempty"`
	Prefix          string         `yaml:"prefix,omitempty"`
	Hyperparameters map[string]any `yaml:"hyperparameters,omitempty"`
}

func (m *ModelConfigMarshall) trySeal(path string) *ModelConfig {
	hp, err := model.ParseHyperparameters(m.Hyperparameters)
	if err != nil {
		panic(fmt.Errorf("%s.hyperparameters: %w", path, err))
	}
	return &ModelConfig{
		dir:             or(m.Dir, "models"),
		prefix:          or(m.Prefix, "house_price_model_v"),
		hyperparameters: hp,
	}
}

type PipelineConfigMarshall struct {
	Schedule   string                `yaml:"schedule,omitempty"`
	Backfill   bool                  `yaml:"backfill,omitempty"`
	Retries    *int                  `yaml:"retries,omitempty"`
	RetryDelay string                `yaml:"retry_delay,omitempty"`
	Stages     *StagesConfigMarshall `yaml:"stages,omitempty"`
}

func (p *PipelineConfigMarshall) trySeal(path string) *PipelineConfig {
	policy, err := recurring.ParsePolicy(or(p.Schedule, "weekly"))
	if err != nil {
		panic(fmt.Errorf("%s.schedule: %w", path, err))
	}
	if p.Backfill {
		policy = recurring.WithBackfill(policy)
	}

	retries := 1
	if p.Retries != nil {
		retries = *p.Retries
	}
	if retries < 0 {
		panic(fmt.Errorf("%s.retries should not be negative: %d", path, retries))
	}
	delay := duration(or(p.RetryDelay, "5m"), path+".retry_delay")

	stages := orZero(p.Stages)
	return &PipelineConfig{
		schedule: policy,
		stages: []*StageConfig{
			orZero(stages.LoadRaw).trySeal(path+".stages.load_raw", StageLoadRaw, retries, delay, StageConfigMarshall{Builtin: BuiltinLoad}),
			orZero(stages.RunDbtStg).trySeal(path+".stages.run_dbt_stg", StageRunDbtStg, retries, delay, StageConfigMarshall{Command: "dbt run --select stg_house_prices"}),
			orZero(stages.RunDbtClean).trySeal(path+".stages.run_dbt_clean", StageRunDbtClean, retries, delay, StageConfigMarshall{Command: "dbt run --select clean_house_prices"}),
			orZero(stages.TrainModel).trySeal(path+".stages.train_model", StageTrainModel, retries, delay, StageConfigMarshall{Builtin: BuiltinTrain}),
		},
	}
}

type StagesConfigMarshall struct {
	LoadRaw     *StageConfigMarshall `yaml:"load_raw,omitempty"`
	RunDbtStg   *StageConfigMarshall `yaml:"run_dbt_stg,omitempty"`
	RunDbtClean *StageConfigMarshall `yaml:"run_dbt_clean,omitempty"`
	TrainModel  *StageConfigMarshall `yaml:"train_model,omitempty"`
}

// Stage configuration.
//
// One of Builtin, Command, Sql or Job should be set.
// When none of them is set, the default for the stage is used.
type StageConfigMarshall struct {
	Builtin string             `yaml:"builtin,omitempty"`
	Command string             `yaml:"command,omitempty"`
	Dir     string             `yaml:"dir,omitempty"`
	Env     map[string]string  `yaml:"env,omitempty"`
	Sql     string             `yaml:"sql,omitempty"`
	Job     *JobConfigMarshall `yaml:"job,omitempty"`

	Retries    *int   `yaml:"retries,omitempty"`
	RetryDelay string `yaml:"retry_delay,omitempty"`
	Timeout    string `yaml:"timeout,omitempty"`
}

func (s *StageConfigMarshall) kinds() []StageKind {
	kinds := []StageKind{}
	if s.Builtin != "" {
		kinds = append(kinds, KindBuiltin)
	}
	if s.Command != "" {
		kinds = append(kinds, KindCommand)
	}
	if s.Sql != "" {
		kinds = append(kinds, KindSql)
	}
	if s.Job != nil {
		kinds = append(kinds, KindJob)
	}
	return kinds
}

func (s *StageConfigMarshall) trySeal(
	path string, name string, retries int, delay time.Duration, fallback StageConfigMarshall,
) *StageConfig {
	kinds := s.kinds()
	action := s
	switch len(kinds) {
	case 0:
		action = &fallback
		kinds = fallback.kinds()
	case 1:
	default:
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		panic(fmt.Errorf("%s: only one of builtin, command, sql or job can be set, but got %s", path, strings.Join(names, ", ")))
	}

	sc := &StageConfig{
		name:       name,
		kind:       kinds[0],
		retries:    retries,
		retryDelay: delay,
	}
	if s.Retries != nil {
		if *s.Retries < 0 {
			panic(fmt.Errorf("%s.retries should not be negative: %d", path, *s.Retries))
		}
		sc.retries = *s.Retries
	}
	if s.RetryDelay != "" {
		sc.retryDelay = duration(s.RetryDelay, path+".retry_delay")
	}
	if s.Timeout != "" {
		sc.timeout = duration(s.Timeout, path+".timeout")
	}

	switch sc.kind {
	case KindBuiltin:
		switch action.Builtin {
		case BuiltinLoad, BuiltinTrain:
			sc.builtin = action.Builtin
		default:
			panic(fmt.Errorf("%s.builtin should be one of %s or %s: %s", path, BuiltinLoad, BuiltinTrain, action.Builtin))
		}
	case KindCommand:
		argv, err := shlex.Split(action.Command)
		if err != nil {
			panic(fmt.Errorf("%s.command: %w", path, err))
		}
		if len(argv) == 0 {
			panic(fmt.Errorf("%s.command is empty", path))
		}
		sc.command = argv
		sc.dir = action.Dir
		sc.env = action.Env
	case KindSql:
		sc.sqlDir = action.Sql
	case KindJob:
		sc.job = action.Job.trySeal(path + ".job")
	}
	return sc
}

type JobConfigMarshall struct {
	Namespace      string            `yaml:"namespace"`
	Image          string            `yaml:"image"`
	Command        []string          `yaml:"command,omitempty"`
	Args           []string          `yaml:"args,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	ServiceAccount string            `yaml:"serviceAccount,omitempty"`
	PollInterval   string            `yaml:"pollInterval,omitempty"`
}

func (j *JobConfigMarshall) trySeal(path string) *JobConfig {
	return &JobConfig{
		namespace:      required(j.Namespace, path+".namespace"),
		image:          required(j.Image, path+".image"),
		command:        j.Command,
		args:           j.Args,
		env:            j.Env,
		serviceAccount: j.ServiceAccount,
		pollInterval:   duration(or(j.PollInterval, "5s"), path+".pollInterval"),
	}
}

func duration(s string, path string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Errorf("%s can not be parsed: %w", path, err))
	}
	if d < 0 {
		panic(fmt.Errorf("%s should not be negative: %s", path, s))
	}
	return d
}

func nonnil[T any](v *T, path string) *T {
	if v == nil {
		panic(path + " is required")
	}
	return v
}

func required[T comparable](v T, path string) T {
	if v == *new(T) {
		panic(path + " is required")
	}
	return v
}

// orZero returns v, or a pointer to zero value when v is nil.
func orZero[T any](v *T) *T {
	if v == nil {
		return new(T)
	}
	return v
}

func or[T comparable](v T, d T) T {
	if v == *new(T) {
		return d
	}
	return v
}
