// Package stage provides stages of the house price pipeline.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/opst/houseprice/pkg/loader"
	"github.com/opst/houseprice/pkg/pipeline"
	"github.com/opst/houseprice/pkg/store"
	"github.com/opst/houseprice/pkg/train"
	"github.com/opst/houseprice/pkg/utils/retry"
	k8s "github.com/opst/houseprice/pkg/workloads/k8s"
)

// ErrCommandFailed is returned when a command or a job exits with non-zero.
var ErrCommandFailed = errors.New("command failed")

// Func is a stage running a function.
type Func struct {
	StageName string
	Fn        func(ctx context.Context) error
}

var _ pipeline.Stage = Func{}

func (f Func) Name() string {
	return f.StageName
}

func (f Func) Run(ctx context.Context) error {
	return f.Fn(ctx)
}

// Command is a stage running an external command.
//
// Its stdout and stderr are logged line by line.
type Command struct {
	StageName string

	// Argv[0] is the program, looked up in PATH.
	Argv []string

	// Working directory. Empty means the current directory.
	Dir string

	// Environment variables added to the ones of this process.
	Env map[string]string

	Logger *log.Logger
}

var _ pipeline.Stage = &Command{}

func (c *Command) Name() string {
	return c.StageName
}

func (c *Command) Run(ctx context.Context) error {
	if len(c.Argv) == 0 {
		return fmt.Errorf("stage %s: no command", c.StageName)
	}

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = os.Environ()
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.WaitDelay = 10 * time.Second

	out := &lineLogger{logger: loggerOr(c.Logger)}
	cmd.Stdout = out
	cmd.Stderr = out
	defer out.Flush()

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("stage %s: %w", c.StageName, ctx.Err())
		}
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return fmt.Errorf("%w: %s: exit code %d", ErrCommandFailed, strings.Join(c.Argv, " "), exit.ExitCode())
		}
		return fmt.Errorf("stage %s: %w", c.StageName, err)
	}
	return nil
}

// Sql is a stage running SQL scripts in a directory in one transaction.
//
// Scripts are files named *.sql, run in the order of their names.
type Sql struct {
	StageName string
	Dir       string
	Scripter  store.Scripter
	Logger    *log.Logger
}

var _ pipeline.Stage = &Sql{}

func (s *Sql) Name() string {
	return s.StageName
}

func (s *Sql) Run(ctx context.Context) error {
	names, err := fs.Glob(os.DirFS(s.Dir), "*.sql")
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("stage %s: no *.sql files in %s", s.StageName, s.Dir)
	}
	slices.Sort(names)

	scripts := make([]string, len(names))
	for i, n := range names {
		b, err := os.ReadFile(filepath.Join(s.Dir, n))
		if err != nil {
			return err
		}
		scripts[i] = string(b)
	}

	loggerOr(s.Logger).Printf("running %d scripts: %s", len(names), strings.Join(names, ", "))
	return s.Scripter.RunScripts(ctx, scripts...)
}

// Load is the stage loading the source CSV into the raw table.
type Load struct {
	StageName string

	Source    string
	Writer    store.TableWriter
	Target    store.TableRef
	Mode      store.Mode
	ChunkSize int

	Logger   *log.Logger
	Observer loader.Observer
}

var _ pipeline.Stage = &Load{}

func (l *Load) Name() string {
	return l.StageName
}

func (l *Load) Run(ctx context.Context) error {
	f, err := os.Open(l.Source)
	if err != nil {
		return err
	}
	defer f.Close()

	logger := loggerOr(l.Logger)
	opts := []loader.Option{loader.WithChunkSize(l.ChunkSize), loader.WithLogger(logger)}
	if l.Observer != nil {
		opts = append(opts, loader.WithObserver(l.Observer))
	}

	n, err := loader.Load(ctx, l.Writer, f, l.Target, l.Mode, opts...)
	if err != nil {
		return err
	}
	logger.Printf("Loaded %d rows into %s", n, l.Target)
	return nil
}

// Train is the stage training the model with the clean table.
type Train struct {
	StageName string

	Reader   store.TableReader
	Table    store.TableRef
	Settings train.Settings
	Saver    train.Saver

	Logger *log.Logger
}

var _ pipeline.Stage = &Train{}

func (t *Train) Name() string {
	return t.StageName
}

func (t *Train) Run(ctx context.Context) error {
	_, err := train.Train(ctx, t.Reader, t.Table, t.Settings, t.Saver, train.WithLogger(loggerOr(t.Logger)))
	return err
}

// Job is a stage running a container as a kubernetes Job.
//
// The job is deleted when the stage ends.
type Job struct {
	StageName string

	Cluster      k8s.Cluster
	Spec         k8s.JobSpec
	PollInterval time.Duration

	Logger *log.Logger
}

var _ pipeline.Stage = &Job{}

func (j *Job) Name() string {
	return j.StageName
}

func (j *Job) Run(ctx context.Context) error {
	logger := loggerOr(j.Logger)
	name := k8s.JobName(j.StageName)

	created, err := j.Cluster.NewJob(ctx, j.Spec.Build(j.Cluster.Namespace(), name))
	if err != nil {
		return err
	}
	defer func() {
		if err := created.Close(); err != nil {
			logger.Printf("failed to delete job %s: %v", name, err)
		}
	}()
	logger.Printf("job %s/%s is created", j.Cluster.Namespace(), name)

	result := <-j.Cluster.GetJob(ctx, retry.StaticBackoff(j.PollInterval), name, k8s.JobHasFinished)
	if result.Err != nil {
		return result.Err
	}
	finished := result.Value

	if logs, err := finished.Log(context.WithoutCancel(ctx), k8s.ContainerName); err == nil {
		out := &lineLogger{logger: logger}
		io.Copy(out, logs)
		out.Flush()
		logs.Close()
	}

	if finished.Status() == k8s.Succeeded {
		return nil
	}
	if code, reason, ok := finished.ExitCode(k8s.ContainerName); ok {
		return fmt.Errorf("%w: job %s: exit code %d (%s)", ErrCommandFailed, name, code, reason)
	}
	return fmt.Errorf("%w: job %s", ErrCommandFailed, name)
}

func loggerOr(l *log.Logger) *log.Logger {
	if l == nil {
		return log.New(io.Discard, "", 0)
	}
	return l
}

// lineLogger writes each line into the logger.
type lineLogger struct {
	logger *log.Logger
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := slices.Index(l.buf, '\n')
		if i < 0 {
			break
		}
		l.logger.Print(string(l.buf[:i]))
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

func (l *lineLogger) Flush() {
	if len(l.buf) != 0 {
		l.logger.Print(string(l.buf))
		l.buf = nil
	}
}
