package reactor

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/rs/zerolog/log"
)

// Work runs off the loop goroutine and returns a resource for the loop to
// adopt. It must return a nil Closer whenever err is non-nil.
type Work func(ctx context.Context) (io.Closer, error)

// Completion receives a Work result on the loop goroutine.
type Completion func(res io.Closer, err error)

type job struct {
	name    string
	cancel  context.CancelFunc
	done    Completion
	dropped bool

	// written by the worker before it posts, read on the loop afterwards
	res io.Closer
	err error
}

// Go runs work on its own goroutine and hands the result to done on the
// loop goroutine. The returned cancel aborts the work and suppresses done.
// A result that is never handed to done is closed, including work still in
// flight when the loop shuts down. Loop-only, and so is cancel.
func (l *Loop) Go(name string, work Work, done Completion) (cancel func()) {
	ctx, stop := context.WithCancel(l.base)
	j := &job{name: name, cancel: stop, done: done}
	l.jobs[j] = struct{}{}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		res, err := work(ctx)
		j.res, j.err = res, err
		l.Post(func() { l.finishJob(j) })
	}()
	return func() { l.dropJob(j) }
}

// Jobs returns the number of background jobs not yet finished. Loop-only.
func (l *Loop) Jobs() int {
	return len(l.jobs)
}

func (l *Loop) dropJob(j *job) {
	if _, ok := l.jobs[j]; !ok {
		return
	}
	j.dropped = true
	j.cancel()
}

func (l *Loop) finishJob(j *job) {
	if _, ok := l.jobs[j]; !ok {
		return
	}
	delete(l.jobs, j)
	j.cancel()
	if j.dropped {
		closeJobResult(j)
		return
	}
	j.done(j.res, j.err)
}

// abandonJobs closes results the loop will never deliver. It runs after
// every worker exited.
func (l *Loop) abandonJobs() {
	for j := range l.jobs {
		delete(l.jobs, j)
		closeJobResult(j)
	}
}

func closeJobResult(j *job) {
	if j.res == nil {
		return
	}
	if err := j.res.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Debug().Msgf("reactor.Loop job result close name=%q err=%v", j.name, err)
	}
}
