package media

import "sync"

// Job is a running transcode whose output is published when it finishes.
type Job struct {
	url  string
	proc Process

	done chan struct{}
	once sync.Once
	err  error
}

func newJob(url string, proc Process) *Job {
	return &Job{url: url, proc: proc, done: make(chan struct{})}
}

// URL is the published url of the live playlist.
func (j *Job) URL() string { return j.url }

// Stop ends the transcode gracefully. The pipeline still moves and
// publishes what was recorded.
func (j *Job) Stop() { j.proc.Stop() }

// Cancel aborts the transcode. The pipeline fails and runs its abort
// action, which stops the owning session or download.
func (j *Job) Cancel() { j.proc.Kill() }

// Done is closed once the pipeline finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the pipeline finished and returns its error.
func (j *Job) Wait() error {
	<-j.done
	return j.err
}

func (j *Job) finish(err error) {
	j.once.Do(func() {
		j.err = err
		close(j.done)
	})
}
