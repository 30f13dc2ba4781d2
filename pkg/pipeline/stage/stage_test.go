package stage_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	kconf "github.com/opst/houseprice/pkg/configs/pipeline"
	"github.com/opst/houseprice/pkg/model"
	"github.com/opst/houseprice/pkg/pipeline"
	"github.com/opst/houseprice/pkg/pipeline/stage"
	"github.com/opst/houseprice/pkg/store"
	"github.com/opst/houseprice/pkg/store/memory"
	"github.com/opst/houseprice/pkg/tabular"
	"github.com/opst/houseprice/pkg/train"
	"github.com/opst/houseprice/pkg/utils/try"
	k8s "github.com/opst/houseprice/pkg/workloads/k8s"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	ktesting "k8s.io/client-go/testing"
)

func bufferLogger() (*log.Logger, *bytes.Buffer) {
	buf := new(bytes.Buffer)
	return log.New(buf, "", 0), buf
}

func TestCommand(t *testing.T) {
	t.Run("it runs the command and logs its output line by line", func(t *testing.T) {
		logger, buf := bufferLogger()
		testee := &stage.Command{
			StageName: "run_dbt_stg",
			Argv:      []string{"sh", "-c", "echo first; echo second >&2; printf last"},
			Logger:    logger,
		}

		if err := testee.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if !slices.Equal(lines, []string{"first", "second", "last"}) {
			t.Errorf("unexpected logs: %q", lines)
		}
	})

	t.Run("it runs in the directory with the environment", func(t *testing.T) {
		dir := t.TempDir()
		logger, buf := bufferLogger()
		testee := &stage.Command{
			StageName: "run_dbt_clean",
			Argv:      []string{"sh", "-c", `echo "$HOUSEPRICE_TARGET"; ls`},
			Dir:       dir,
			Env:       map[string]string{"HOUSEPRICE_TARGET": "clean_house_prices"},
			Logger:    logger,
		}
		if err := os.WriteFile(filepath.Join(dir, "dbt_project.yml"), []byte("name: houseprice\n"), 0o644); err != nil {
			t.Fatal(err)
		}

		if err := testee.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if !slices.Equal(lines, []string{"clean_house_prices", "dbt_project.yml"}) {
			t.Errorf("unexpected logs: %q", lines)
		}
	})

	t.Run("it fails when the command exits with non-zero", func(t *testing.T) {
		testee := &stage.Command{StageName: "run_dbt_stg", Argv: []string{"sh", "-c", "exit 3"}}
		err := testee.Run(context.Background())
		if !errors.Is(err, stage.ErrCommandFailed) || !strings.Contains(err.Error(), "exit code 3") {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("it fails when the command is not found", func(t *testing.T) {
		testee := &stage.Command{StageName: "run_dbt_stg", Argv: []string{"houseprice-no-such-command"}}
		if err := testee.Run(context.Background()); err == nil {
			t.Error("no error")
		}
	})

	t.Run("it stops the command when the context is done", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		testee := &stage.Command{StageName: "run_dbt_stg", Argv: []string{"sleep", "10"}}

		started := time.Now()
		err := testee.Run(ctx)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("unexpected error: %v", err)
		}
		if 5*time.Second < time.Since(started) {
			t.Error("command is not stopped")
		}
	})
}

func TestSql(t *testing.T) {
	t.Run("it runs *.sql files in the order of names", func(t *testing.T) {
		dir := t.TempDir()
		for name, content := range map[string]string{
			"02_clean.sql": "create table clean as select * from stg;",
			"01_stg.sql":   "create table stg as select * from raw;",
			"README.md":    "not a script",
		} {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
		}
		s := memory.New()

		testee := &stage.Sql{StageName: "run_dbt_clean", Dir: dir, Scripter: s}
		if err := testee.Run(context.Background()); err != nil {
			t.Fatal(err)
		}

		expected := []string{
			"create table stg as select * from raw;",
			"create table clean as select * from stg;",
		}
		if !slices.Equal(s.Scripts, expected) {
			t.Errorf("scripts: (actual, expected) = (%q, %q)", s.Scripts, expected)
		}
	})

	t.Run("it fails when there are no scripts", func(t *testing.T) {
		s := memory.New()
		testee := &stage.Sql{StageName: "run_dbt_clean", Dir: t.TempDir(), Scripter: s}
		if err := testee.Run(context.Background()); err == nil {
			t.Error("no error")
		}
		if len(s.Scripts) != 0 {
			t.Errorf("scripts run: %v", s.Scripts)
		}
	})
}

func TestLoad(t *testing.T) {
	raw := store.TableRef{Namespace: "house_prices_raw", Name: "raw_house_prices"}

	t.Run("it loads the csv into the table", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "train.csv")
		if err := os.WriteFile(src, []byte("Id,LotArea,Street\n1,8450,Pave\n2,9600,Pave\n3,11250,Grvl\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		s := memory.New()
		if err := s.Ensure(context.Background(), raw.Namespace); err != nil {
			t.Fatal(err)
		}
		logger, buf := bufferLogger()

		testee := &stage.Load{
			StageName: "load_raw", Source: src, Writer: s, Target: raw,
			Mode: store.Replace, ChunkSize: 2, Logger: logger,
		}
		if err := testee.Run(context.Background()); err != nil {
			t.Fatal(err)
		}

		frame := try.To(s.ReadTable(context.Background(), raw)).OrFatal(t)
		if frame.Len() != 3 {
			t.Errorf("rows: %d", frame.Len())
		}
		if len(s.Writes) != 2 {
			t.Errorf("unexpected writes: %+v", s.Writes)
		}
		if !strings.Contains(buf.String(), "Loaded 3 rows into house_prices_raw.raw_house_prices") {
			t.Errorf("unexpected logs: %s", buf.String())
		}
	})

	t.Run("it fails when the source does not exist", func(t *testing.T) {
		testee := &stage.Load{
			StageName: "load_raw", Source: filepath.Join(t.TempDir(), "missing.csv"),
			Writer: memory.New(), Target: raw, Mode: store.Replace,
		}
		if err := testee.Run(context.Background()); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

type mockSaver struct {
	Calls []*model.Artifact
}

func (m *mockSaver) Save(a *model.Artifact, overwrite bool) (string, error) {
	m.Calls = append(m.Calls, a)
	return "models/v1.json", nil
}

func TestTrain(t *testing.T) {
	clean := store.TableRef{Namespace: "house_prices_marts", Name: "clean_house_prices"}
	frame := &tabular.Frame{
		Columns: []tabular.Column{
			{Name: "id", Type: tabular.Bigint},
			{Name: "lotarea", Type: tabular.Bigint},
			{Name: "saleprice", Type: tabular.Bigint},
		},
	}
	for i := 0; i < 10; i++ {
		frame.Rows = append(frame.Rows, []any{int64(i), int64(1000 + i*10), int64(2000 + i*20)})
	}

	t.Run("it trains and saves the model", func(t *testing.T) {
		s := memory.New()
		s.Put(clean, frame)
		saver := &mockSaver{}

		testee := &stage.Train{
			StageName: "train_model", Reader: s, Table: clean, Saver: saver,
			Settings: train.Settings{
				Label: "saleprice", Drop: []string{"id"}, TestSize: 0.2, RandomState: 42,
				Hyperparameters: model.DefaultHyperparameters(), SaveModel: true, Version: 1,
			},
		}
		if err := testee.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		if len(saver.Calls) != 1 {
			t.Errorf("saved %d times", len(saver.Calls))
		}
	})

	t.Run("it fails for a missing label", func(t *testing.T) {
		s := memory.New()
		s.Put(clean, frame)
		testee := &stage.Train{
			StageName: "train_model", Reader: s, Table: clean, Saver: &mockSaver{},
			Settings: train.Settings{Label: "price", TestSize: 0.2, Hyperparameters: model.DefaultHyperparameters()},
		}
		if err := testee.Run(context.Background()); !errors.Is(err, train.ErrMissingLabel) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

// finishJobsAs makes jobs finished as soon as they are created.
func finishJobsAs(clientset *fake.Clientset, condition kubebatch.JobConditionType) {
	clientset.PrependReactor("create", "jobs", func(action ktesting.Action) (bool, runtime.Object, error) {
		job := action.(ktesting.CreateAction).GetObject().(*kubebatch.Job)
		job.Status.Conditions = append(job.Status.Conditions, kubebatch.JobCondition{
			Type: condition, Status: kubecore.ConditionTrue,
		})
		return false, nil, nil
	})
}

func TestJob(t *testing.T) {
	for name, testcase := range map[string]struct {
		when kubebatch.JobConditionType
		then error
	}{
		"when the job completes, it succeeds": {when: kubebatch.JobComplete, then: nil},
		"when the job fails, it fails":        {when: kubebatch.JobFailed, then: stage.ErrCommandFailed},
	} {
		t.Run(name, func(t *testing.T) {
			clientset := fake.NewSimpleClientset()
			finishJobsAs(clientset, testcase.when)

			testee := &stage.Job{
				StageName:    "run_dbt_stg",
				Cluster:      k8s.AttachCluster(k8s.WrapK8sClient(clientset), "houseprice"),
				Spec:         k8s.JobSpec{Image: "ghcr.io/opst/houseprice-dbt:1.0", Args: []string{"run"}},
				PollInterval: time.Millisecond,
			}
			err := testee.Run(context.Background())
			if testcase.then == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if testcase.then != nil && !errors.Is(err, testcase.then) {
				t.Errorf("unexpected error: %v", err)
			}

			jobs := try.To(clientset.BatchV1().Jobs("houseprice").List(context.Background(), kubeapimeta.ListOptions{})).OrFatal(t)
			if len(jobs.Items) != 0 {
				t.Errorf("jobs are left: %d", len(jobs.Items))
			}

			created := 0
			for _, a := range clientset.Actions() {
				if a.GetVerb() == "create" && a.GetResource().Resource == "jobs" {
					created += 1
				}
			}
			if created != 1 {
				t.Errorf("jobs created: %d", created)
			}
		})
	}
}

func TestFromConfig(t *testing.T) {
	conf := try.To(kconf.Unmarshal([]byte(`
database:
  url: "memory:"
source:
  path: data/train.csv
pipeline:
  retries: 2
  retry_delay: 1s
  stages:
    run_dbt_stg:
      sql: sql/stg
    run_dbt_clean:
      job:
        namespace: houseprice
        image: ghcr.io/opst/houseprice-dbt:1.0
        args: ["run", "--select", "clean_house_prices"]
      retries: 0
      timeout: 10m
`))).OrFatal(t)

	t.Run("it builds steps in the order of the pipeline", func(t *testing.T) {
		clusters := []string{}
		steps := try.To(stage.FromConfig(conf, stage.Deps{
			Store:     memory.New(),
			Artifacts: &mockSaver{},
			Cluster: func(namespace string) (k8s.Cluster, error) {
				clusters = append(clusters, namespace)
				return k8s.AttachCluster(k8s.WrapK8sClient(fake.NewSimpleClientset()), namespace), nil
			},
			Logger: log.New(new(bytes.Buffer), "", 0),
		})).OrFatal(t)

		if len(steps) != 4 {
			t.Fatalf("unexpected steps: %+v", steps)
		}

		type expected struct {
			name    string
			status  pipeline.Status
			retries int
			timeout time.Duration
			check   func(pipeline.Stage) bool
		}
		for i, e := range []expected{
			{
				name: "load_raw", status: pipeline.Loading, retries: 2,
				check: func(s pipeline.Stage) bool {
					l, ok := s.(*stage.Load)
					return ok && l.Source == "data/train.csv" && l.Target == conf.RawTable() && l.ChunkSize == 50000
				},
			},
			{
				name: "run_dbt_stg", status: pipeline.Staging, retries: 2,
				check: func(s pipeline.Stage) bool {
					q, ok := s.(*stage.Sql)
					return ok && q.Dir == "sql/stg"
				},
			},
			{
				name: "run_dbt_clean", status: pipeline.Cleaning, retries: 0, timeout: 10 * time.Minute,
				check: func(s pipeline.Stage) bool {
					j, ok := s.(*stage.Job)
					return ok && j.Cluster.Namespace() == "houseprice" &&
						j.Spec.Image == "ghcr.io/opst/houseprice-dbt:1.0" &&
						slices.Equal(j.Spec.Args, []string{"run", "--select", "clean_house_prices"})
				},
			},
			{
				name: "train_model", status: pipeline.Training, retries: 2,
				check: func(s pipeline.Stage) bool {
					tr, ok := s.(*stage.Train)
					return ok && tr.Table == conf.CleanTable() && tr.Settings.Label == "saleprice" &&
						slices.Equal(tr.Settings.Drop, []string{"id"})
				},
			},
		} {
			step := steps[i]
			if step.Stage.Name() != e.name || step.Status != e.status || step.Retries != e.retries || step.Timeout != e.timeout {
				t.Errorf("step #%d: unexpected (name, status, retries, timeout) = (%s, %s, %d, %s)",
					i, step.Stage.Name(), step.Status, step.Retries, step.Timeout)
			}
			if !e.check(step.Stage) {
				t.Errorf("step #%d: unexpected stage: %+v", i, step.Stage)
			}
		}
		if !slices.Equal(clusters, []string{"houseprice"}) {
			t.Errorf("clusters: %v", clusters)
		}
		if steps[0].RetryDelay != time.Second {
			t.Errorf("retry delay: %s", steps[0].RetryDelay)
		}
	})

	t.Run("default transform stages are dbt commands", func(t *testing.T) {
		defaults := try.To(kconf.Unmarshal([]byte(`
database:
  url: "memory:"
source:
  path: data/train.csv
`))).OrFatal(t)
		steps := try.To(stage.FromConfig(defaults, stage.Deps{Store: memory.New()})).OrFatal(t)

		for i, expected := range map[int][]string{
			1: {"dbt", "run", "--select", "stg_house_prices"},
			2: {"dbt", "run", "--select", "clean_house_prices"},
		} {
			c, ok := steps[i].Stage.(*stage.Command)
			if !ok || !slices.Equal(c.Argv, expected) {
				t.Errorf("step #%d: unexpected stage: %+v", i, steps[i].Stage)
			}
		}
	})

	t.Run("job stages need kubernetes", func(t *testing.T) {
		if _, err := stage.FromConfig(conf, stage.Deps{Store: memory.New()}); err == nil {
			t.Error("no error")
		}
	})
}
