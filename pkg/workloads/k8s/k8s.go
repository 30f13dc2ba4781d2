// Package k8s runs pipeline stages as kubernetes Jobs.
package k8s

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	xe "github.com/opst/houseprice/pkg/errors"
	"github.com/opst/houseprice/pkg/utils/retry"
)

var (
	// Failed to create a resource since it already exists.
	ErrConflict = errors.New("resource already exists")

	// Requested resource does not exist.
	ErrMissing = errors.New("resource is missing")
)

// ContainerName is the name of the container running the stage in Jobs.
const ContainerName = "main"

// LabelJob is the label put on pods of a Job to find them.
const LabelJob = "houseprice.opst.github.io/job"

// subset of kubernetes.Interface
type K8sClient interface {
	GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error)
	CreateJob(ctx context.Context, namespace string, spec *kubebatch.Job) (*kubebatch.Job, error)
	DeleteJob(ctx context.Context, namespace string, name string) error

	FindPods(ctx context.Context, namespace string, labelSelector LabelSelector) ([]kubecore.Pod, error)

	Log(ctx context.Context, namespace string, podname string, container string) (io.ReadCloser, error)
}

// A wrapper for kubernetes.Interface, to avoid method chains of it.
type k8sClient struct {
	client kubernetes.Interface
}

// type check: k8sClient implements K8sClient
var _ K8sClient = &k8sClient{}

func WrapK8sClient(c kubernetes.Interface) K8sClient {
	return &k8sClient{client: c}
}

func (k *k8sClient) CreateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error) {
	return k.client.BatchV1().Jobs(namespace).Create(ctx, job, kubeapimeta.CreateOptions{})
}

func (k *k8sClient) GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error) {
	return k.client.BatchV1().Jobs(namespace).Get(ctx, name, kubeapimeta.GetOptions{})
}

func (k *k8sClient) DeleteJob(ctx context.Context, namespace string, name string) error {
	background := kubeapimeta.DeletePropagationBackground
	zero := int64(0)
	return k.client.BatchV1().Jobs(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{
		GracePeriodSeconds: &zero,
		PropagationPolicy:  &background,
	})
}

func (k *k8sClient) FindPods(ctx context.Context, namespace string, labels LabelSelector) ([]kubecore.Pod, error) {
	resp, err := k.client.CoreV1().Pods(namespace).List(ctx, kubeapimeta.ListOptions{
		LabelSelector: labels.QueryString(),
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (k *k8sClient) Log(ctx context.Context, namespace string, podname string, container string) (io.ReadCloser, error) {
	return k.client.
		CoreV1().
		Pods(namespace).
		GetLogs(podname, &kubecore.PodLogOptions{Container: container}).
		Stream(ctx)
}

type JobStatus string

const (
	// no pods have been started.
	Pending JobStatus = "Pending"

	// at least one pod has started, and the job has not completed.
	Running JobStatus = "Running"

	// the job is succeeded.
	Succeeded JobStatus = "Succeeded"

	// the job is failed.
	Failed JobStatus = "Failed"
)

// abstraction of k8s job.
type Job interface {
	// the name of the job
	Name() string

	// the namespace where the job is placed in
	Namespace() string

	// how does the job progress, at least
	//
	// This value is just a SNAPSHOT of the job when you get the instance.
	// To refresh, get a new instance of `Job` with `Cluster.GetJob`.
	Status() JobStatus

	// ExitCode returns the exit code of the container of the job.
	//
	// # Return
	//
	// - exitCode : the exit code of the container.
	//
	// - reason: the reason of the termination.
	//
	// - ok : true if the container has been terminated, false otherwise.
	ExitCode(container string) (uint8, string, bool)

	// Log get log stream of the container of the job.
	Log(ctx context.Context, containerName string) (io.ReadCloser, error)

	// destroy the job. If the job is running or pending, it is aborted.
	Close() error
}

type job struct {
	job    *kubebatch.Job
	pods   []kubecore.Pod
	client K8sClient
	close  func() error
}

var _ Job = &job{}

func (j *job) Name() string {
	return j.job.Name
}

func (j *job) Namespace() string {
	return j.job.Namespace
}

func (j *job) Status() JobStatus {
	for _, sc := range j.job.Status.Conditions {
		if sc.Status != kubecore.ConditionTrue {
			continue
		}
		switch sc.Type {
		case kubebatch.JobComplete:
			return Succeeded
		case kubebatch.JobFailed:
			return Failed
		}
	}

	if 0 < j.job.Status.Active {
		return Running
	}
	for _, p := range j.pods {
		switch p.Status.Phase {
		case kubecore.PodRunning, kubecore.PodSucceeded, kubecore.PodFailed:
			return Running
		}
	}

	return Pending
}

func (j *job) Log(ctx context.Context, containerName string) (io.ReadCloser, error) {
	if len(j.pods) == 0 {
		return nil, fmt.Errorf("%w: no pods for job %s", ErrMissing, j.Name())
	}
	// the latest pod is the last attempt.
	pod := j.pods[0]
	for _, p := range j.pods[1:] {
		if pod.CreationTimestamp.Before(&p.CreationTimestamp) {
			pod = p
		}
	}
	return j.client.Log(ctx, pod.Namespace, pod.Name, containerName)
}

func (j *job) ExitCode(container string) (uint8, string, bool) {
	for _, p := range j.pods {
		for _, c := range p.Status.ContainerStatuses {
			if c.Name != container {
				continue
			}
			if term := c.State.Terminated; term != nil {
				return uint8(term.ExitCode), term.Reason, true
			}
			break
		}
	}
	return 0, "", false
}

func (j *job) Close() error {
	if j.close == nil {
		return nil
	}
	return j.close()
}

// Requirement is a function that checks if a k8s resource satisfies the requirement.
//
// # Return
//
// - error: When the value satisfies the requirement, return nil.
// If it is waiting to satisfy the requirement, return `retry.ErrRetry`.
// Otherwise, return error.
type Requirement[T any] func(value T) error

func satisfyAll[T any](value T, req []Requirement[T]) error {
	for _, r := range req {
		if err := r(value); err != nil {
			return err
		}
	}
	return nil
}

var JobHaveBeenCreated Requirement[*kubebatch.Job] = func(value *kubebatch.Job) error {
	return nil
}

// JobHasFinished is satisfied when the job is complete or failed.
var JobHasFinished Requirement[*kubebatch.Job] = func(value *kubebatch.Job) error {
	switch (&job{job: value}).Status() {
	case Succeeded, Failed:
		return nil
	default:
		return retry.ErrRetry
	}
}

type Cluster interface {
	Namespace() string

	// Create a new Job.
	//
	// # Returns
	//
	// - Job: created job.
	//
	// - error: ErrConflict when the job already exists.
	NewJob(ctx context.Context, spec *kubebatch.Job) (Job, error)

	// Get a Job and wait for it to satisfy all requirements.
	//
	// # Args
	//
	// - ctx
	//
	// - backoff: interval of polling.
	//
	// - name: name of the job.
	//
	// - requirements: if not given, JobHaveBeenCreated is used.
	//
	// # Returns
	//
	// Promise resolved when the job satisfies requirements.
	// It has ErrMissing when the job does not exist.
	GetJob(ctx context.Context, backoff retry.Backoff, name string, requirements ...Requirement[*kubebatch.Job]) retry.Promise[Job]
}

type k8sCluster struct {
	client    K8sClient
	namespace string
}

// type check: k8sCluster implements Cluster
var _ Cluster = &k8sCluster{}

// Attach kubernetes cluster.
//
// args:
//   - client: k8s client
//   - namespace: k8s namespace where jobs run.
func AttachCluster(client K8sClient, namespace string) Cluster {
	return &k8sCluster{client: client, namespace: namespace}
}

func (c *k8sCluster) Namespace() string {
	return c.namespace
}

func (c *k8sCluster) closer(name string) func() error {
	return func() error {
		err := c.client.DeleteJob(context.Background(), c.namespace, name)
		if kubeerr.IsNotFound(err) {
			return nil
		}
		return xe.Wrap(err)
	}
}

func (c *k8sCluster) NewJob(ctx context.Context, spec *kubebatch.Job) (Job, error) {
	created, err := c.client.CreateJob(ctx, c.namespace, spec)
	if err != nil {
		if kubeerr.IsAlreadyExists(err) {
			return nil, fmt.Errorf("%w: job %s: %w", ErrConflict, spec.Name, err)
		}
		return nil, xe.Wrap(err)
	}
	return &job{job: created, client: c.client, close: c.closer(created.Name)}, nil
}

func (c *k8sCluster) GetJob(
	ctx context.Context, backoff retry.Backoff, name string,
	requirements ...Requirement[*kubebatch.Job],
) retry.Promise[Job] {
	if len(requirements) == 0 {
		requirements = []Requirement[*kubebatch.Job]{JobHaveBeenCreated}
	}

	return retry.Go(ctx, backoff, func() (Job, error) {
		_job, err := c.client.GetJob(ctx, c.namespace, name)
		if err != nil {
			if kubeerr.IsNotFound(err) {
				return nil, fmt.Errorf("%w: job %s: %w", ErrMissing, name, err)
			}
			return nil, xe.Wrap(err)
		}
		ret := &job{job: _job, client: c.client, close: c.closer(name)}

		if err := satisfyAll(_job, requirements); err != nil {
			return ret, err
		}

		if labels := _job.Spec.Template.Labels; len(labels) != 0 {
			pods, err := c.client.FindPods(ctx, c.namespace, LabelsToSelector(labels))
			if err == nil {
				ret.pods = pods
			}
		}
		return ret, nil
	})
}

// JobSpec describes a container to run as a Job.
type JobSpec struct {
	Image          string
	Command        []string
	Args           []string
	Env            map[string]string
	ServiceAccount string

	// Labels put on the job and its pods.
	Labels map[string]string
}

var reNotInName = regexp.MustCompile(`[^-a-z0-9]+`)

// JobName makes a unique job name from prefix.
//
// The prefix is lowered and characters not allowed in names are replaced with "-".
func JobName(prefix string) string {
	p := reNotInName.ReplaceAllString(strings.ToLower(prefix), "-")
	p = strings.Trim(p, "-")
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	// names of pods made by the job should fit in 63 characters.
	if max := 63 - 1 - len(suffix) - 6; max < len(p) {
		p = strings.TrimRight(p[:max], "-")
	}
	if p == "" {
		return "job-" + suffix
	}
	return p + "-" + suffix
}

// Build a Job which runs the container once, without retries of k8s.
func (s JobSpec) Build(namespace string, name string) *kubebatch.Job {
	labels := map[string]string{}
	for k, v := range s.Labels {
		labels[k] = v
	}
	labels[LabelJob] = name

	env := make([]kubecore.EnvVar, 0, len(s.Env))
	for k, v := range s.Env {
		env = append(env, kubecore.EnvVar{Name: k, Value: v})
	}
	slices.SortFunc(env, func(a, b kubecore.EnvVar) int { return strings.Compare(a.Name, b.Name) })

	backoffLimit := int32(0)
	ttl := int32(3600)
	return &kubebatch.Job{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: kubebatch.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: kubecore.PodTemplateSpec{
				ObjectMeta: kubeapimeta.ObjectMeta{Labels: labels},
				Spec: kubecore.PodSpec{
					RestartPolicy:      kubecore.RestartPolicyNever,
					ServiceAccountName: s.ServiceAccount,
					Containers: []kubecore.Container{
						{
							Name:    ContainerName,
							Image:   s.Image,
							Command: s.Command,
							Args:    s.Args,
							Env:     env,
						},
					},
				},
			},
		},
	}
}
