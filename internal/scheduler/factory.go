package scheduler

import (
	"fmt"
	"sync"

	"github.com/dendrite-sched/dendrite/internal/job"
)

// JobFactory instantiates one Job per fire from the JobDetail's type
// descriptor. It is an external collaborator by contract; RegistryFactory
// is the in-tree default.
type JobFactory interface {
	NewJob(detail *job.Detail) (job.Job, error)
}

// RegistryFactory resolves job types registered by name to constructor
// functions.
type RegistryFactory struct {
	mu    sync.RWMutex
	ctors map[string]func() job.Job
}

func NewRegistryFactory() *RegistryFactory {
	return &RegistryFactory{ctors: map[string]func() job.Job{}}
}

func (f *RegistryFactory) Register(jobType string, ctor func() job.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[jobType] = ctor
}

func (f *RegistryFactory) NewJob(detail *job.Detail) (job.Job, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[detail.JobType]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("job type %q is not registered", detail.JobType)
	}
	return ctor(), nil
}
