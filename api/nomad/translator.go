package nomad

import (
	"fmt"
	"strings"
	"time"

	nomadapi "github.com/hashicorp/nomad/api"

	"skald/api/model"
)

const (
	jobPrefix = "skald-"

	metaJob     = "skald.job"
	metaVersion = "skald.version"
	metaHost    = "skald.host"
)

// JobID names the Nomad job that runs job on host.
func JobID(host, job string) string {
	return jobPrefix + job + "-" + host
}

// Translate builds the Nomad service job that runs job on a single host.
// The job is pinned to the node by its unique name and carries the job
// reference in its meta so the fleet view can read it back.
func Translate(host string, job model.JobRef, datacenters []string, region string) *nomadapi.Job {
	id := JobID(host, job.Name)
	nj := nomadapi.NewServiceJob(id, id, region, 50)
	nj.Datacenters = datacenters
	nj.Meta = map[string]string{
		metaJob:     job.Name,
		metaVersion: job.Version,
		metaHost:    host,
		"deploy_ts": fmt.Sprintf("%d", time.Now().UnixMilli()),
	}
	nj.Constraints = []*nomadapi.Constraint{
		nomadapi.NewConstraint("${node.unique.name}", "=", host),
	}

	tg := nomadapi.NewTaskGroup(job.Name, 1)

	attempts := 3
	interval := 5 * time.Minute
	delay := 15 * time.Second
	mode := "delay"
	tg.RestartPolicy = &nomadapi.RestartPolicy{
		Attempts: &attempts,
		Interval: &interval,
		Delay:    &delay,
		Mode:     &mode,
	}

	maxParallel := 1
	healthy := 10 * time.Second
	autoRevert := false
	tg.Update = &nomadapi.UpdateStrategy{
		MaxParallel:    &maxParallel,
		MinHealthyTime: &healthy,
		AutoRevert:     &autoRevert,
	}

	task := nomadapi.NewTask(job.Name, "docker")
	task.Config = map[string]interface{}{
		"image": image(job),
	}
	task.Env = map[string]string{
		"SKALD_JOB":     job.Name,
		"SKALD_VERSION": job.Version,
	}
	cpu := 100
	mem := 128
	task.Resources = &nomadapi.Resources{
		CPU:      &cpu,
		MemoryMB: &mem,
	}

	tg.Tasks = []*nomadapi.Task{task}
	nj.TaskGroups = []*nomadapi.TaskGroup{tg}
	return nj
}

// image defaults to a tag named after the job version.
func image(job model.JobRef) string {
	if job.Image != "" {
		return job.Image
	}
	return job.Name + ":" + job.Version
}

// jobRef reads the job reference back from a translated job's meta.
func jobRef(meta map[string]string) (model.JobRef, bool) {
	name, version := meta[metaJob], meta[metaVersion]
	if name == "" || version == "" {
		return model.JobRef{}, false
	}
	return model.JobRef{Name: name, Version: version}, true
}

func managed(jobID string) bool {
	return strings.HasPrefix(jobID, jobPrefix)
}
