package pipeline

import (
	"time"

	"github.com/opst/houseprice/pkg/loop/recurring"
	"github.com/opst/houseprice/pkg/model"
	"github.com/opst/houseprice/pkg/store"
)

// Names of stages, in the order of the pipeline.
const (
	StageLoadRaw     = "load_raw"
	StageRunDbtStg   = "run_dbt_stg"
	StageRunDbtClean = "run_dbt_clean"
	StageTrainModel  = "train_model"
)

// Builtin stages.
const (
	BuiltinLoad  = "load"
	BuiltinTrain = "train"
)

type StageKind string

const (
	KindBuiltin StageKind = "builtin"
	KindCommand StageKind = "command"
	KindSql     StageKind = "sql"
	KindJob     StageKind = "job"
)

// Configuration of the house price pipeline.
//
// to get `Config` instance, use `Load`, `Unmarshal` or `TrySeal`.
type Config struct {
	database   *DatabaseConfig
	namespaces *NamespacesConfig
	source     *SourceConfig
	tables     *TablesConfig
	training   *TrainingConfig
	model      *ModelConfig
	pipeline   *PipelineConfig
}

func (c *Config) Database() *DatabaseConfig     { return c.database }
func (c *Config) Namespaces() *NamespacesConfig { return c.namespaces }
func (c *Config) Source() *SourceConfig         { return c.source }
func (c *Config) Tables() *TablesConfig         { return c.tables }
func (c *Config) Training() *TrainingConfig     { return c.training }
func (c *Config) Model() *ModelConfig           { return c.model }
func (c *Config) Pipeline() *PipelineConfig     { return c.pipeline }

// RawTable is where the source is loaded.
func (c *Config) RawTable() store.TableRef {
	return store.TableRef{Namespace: c.namespaces.Raw(), Name: c.source.Table()}
}

// CleanTable is the table which the model is trained with.
func (c *Config) CleanTable() store.TableRef {
	return store.TableRef{Namespace: c.namespaces.Marts(), Name: c.tables.Clean()}
}

type DatabaseConfig struct {
	url string
}

// Connection string for database.
func (d *DatabaseConfig) Url() string {
	return d.url
}

// Namespaces (schemas) of the pipeline.
type NamespacesConfig struct {
	raw     string
	staging string
	marts   string
	meta    string
}

// default = "house_prices_raw"
func (n *NamespacesConfig) Raw() string { return n.raw }

// default = "house_prices_staging"
func (n *NamespacesConfig) Staging() string { return n.staging }

// default = "house_prices_marts"
func (n *NamespacesConfig) Marts() string { return n.marts }

// Namespace for pipeline run records. default = "house_prices_meta"
func (n *NamespacesConfig) Meta() string { return n.meta }

// Layers returns the namespaces which should exist before loading.
func (n *NamespacesConfig) Layers() []string {
	return []string{n.raw, n.staging, n.marts}
}

type SourceConfig struct {
	path      string
	table     string
	mode      store.Mode
	chunkSize int
}

// Path to the CSV file.
func (s *SourceConfig) Path() string { return s.path }

// Table name in the raw namespace. default = "raw_house_prices"
func (s *SourceConfig) Table() string { return s.table }

// default = replace
func (s *SourceConfig) Mode() store.Mode { return s.mode }

// Rows per chunk. default = 50000. 0 means "read in batches of the loader".
func (s *SourceConfig) ChunkSize() int { return s.chunkSize }

type TablesConfig struct {
	clean string
}

// Table in the marts namespace. default = "clean_house_prices"
func (t *TablesConfig) Clean() string { return t.clean }

type TrainingConfig struct {
	testSize       float64
	randomState    int64
	saveModel      bool
	modelVersion   int
	allowOverwrite bool
	label          string
	drop           []string
}

func (t *TrainingConfig) TestSize() float64    { return t.testSize }
func (t *TrainingConfig) RandomState() int64   { return t.randomState }
func (t *TrainingConfig) SaveModel() bool      { return t.saveModel }
func (t *TrainingConfig) ModelVersion() int    { return t.modelVersion }
func (t *TrainingConfig) AllowOverwrite() bool { return t.allowOverwrite }

// Label column. default = "saleprice"
func (t *TrainingConfig) Label() string { return t.label }

// Columns not used as features. default = ["id"]
func (t *TrainingConfig) Drop() []string { return t.drop }

type ModelConfig struct {
	dir             string
	prefix          string
	hyperparameters model.Hyperparameters
}

// Directory of model artifacts. default = "models"
func (m *ModelConfig) Dir() string { return m.dir }

// File name prefix of model artifacts. default = "house_price_model_v"
func (m *ModelConfig) Prefix() string { return m.prefix }

func (m *ModelConfig) Hyperparameters() model.Hyperparameters { return m.hyperparameters }

type PipelineConfig struct {
	schedule recurring.Policy
	stages   []*StageConfig
}

// default = weekly, without backfill.
func (p *PipelineConfig) Schedule() recurring.Policy { return p.schedule }

// Stages in the order to run.
func (p *PipelineConfig) Stages() []*StageConfig { return p.stages }

type StageConfig struct {
	name       string
	kind       StageKind
	retries    int
	retryDelay time.Duration
	timeout    time.Duration

	builtin string
	command []string
	dir     string
	env     map[string]string
	sqlDir  string
	job     *JobConfig
}

func (s *StageConfig) Name() string              { return s.name }
func (s *StageConfig) Kind() StageKind           { return s.kind }
func (s *StageConfig) Retries() int              { return s.retries }
func (s *StageConfig) RetryDelay() time.Duration { return s.retryDelay }

// 0 means no timeout.
func (s *StageConfig) Timeout() time.Duration { return s.timeout }

// BuiltinLoad or BuiltinTrain, for KindBuiltin.
func (s *StageConfig) Builtin() string { return s.builtin }

// Command line split into words, for KindCommand.
func (s *StageConfig) Command() []string { return s.command }

// Working directory of the command.
func (s *StageConfig) Dir() string { return s.dir }

// Extra environment variables of the command.
func (s *StageConfig) Env() map[string]string { return s.env }

// Directory of SQL scripts, for KindSql.
func (s *StageConfig) SqlDir() string { return s.sqlDir }

// For KindJob.
func (s *StageConfig) Job() *JobConfig { return s.job }

// k8s Job running a stage.
type JobConfig struct {
	namespace      string
	image          string
	command        []string
	args           []string
	env            map[string]string
	serviceAccount string
	pollInterval   time.Duration
}

func (j *JobConfig) Namespace() string           { return j.namespace }
func (j *JobConfig) Image() string               { return j.image }
func (j *JobConfig) Command() []string           { return j.command }
func (j *JobConfig) Args() []string              { return j.args }
func (j *JobConfig) Env() map[string]string      { return j.env }
func (j *JobConfig) ServiceAccount() string      { return j.serviceAccount }
func (j *JobConfig) PollInterval() time.Duration { return j.pollInterval }
